package model

// AttemptSummary is the reconciled result view of a submitted attempt.
type AttemptSummary struct {
	Attempt        Attempt `json:"attempt"`
	Exam           Exam    `json:"exam"`
	TotalQuestions int     `json:"total_questions"`
	Answered       int     `json:"answered"`
	Correct        int     `json:"correct"`
	Incorrect      int     `json:"incorrect"`
	PendingReview  int     `json:"pending_review"`
	Unanswered     int     `json:"unanswered"`
	Score          float64 `json:"score"`
}
