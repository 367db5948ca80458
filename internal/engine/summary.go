package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
	"golang.org/x/sync/errgroup"
)

// Reconcile builds the summary of a submitted attempt. Counts are derived
// from the per-question answer list instead of a cached aggregate, because
// the submit response and the later graded state can diverge while essays
// wait for manual grading.
func Reconcile(ctx context.Context, src ResultSource, attemptID uuid.UUID) (*model.AttemptSummary, error) {
	attempt, err := src.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}

	var (
		exam    *model.Exam
		details []model.AnswerDetail
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e, err := src.GetExam(gctx, attempt.ExamID)
		if err != nil {
			return fmt.Errorf("get exam: %w", err)
		}
		exam = e
		return nil
	})
	g.Go(func() error {
		d, err := src.GetAnswerDetails(gctx, attemptID)
		if err != nil {
			return fmt.Errorf("get answer details: %w", err)
		}
		details = d
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Summarize(*attempt, *exam, details), nil
}

// Summarize derives the counts. Unanswered is total minus answered rather
// than a scan of the list, since ungraded placeholders may be missing.
func Summarize(attempt model.Attempt, exam model.Exam, details []model.AnswerDetail) *model.AttemptSummary {
	sum := &model.AttemptSummary{
		Attempt:        attempt,
		Exam:           exam,
		TotalQuestions: exam.QuestionCount,
	}
	for i := range details {
		d := &details[i]
		if !d.IsAnswered() {
			continue
		}
		sum.Answered++
		switch {
		case d.IsCorrect == nil:
			sum.PendingReview++
		case *d.IsCorrect:
			sum.Correct++
		default:
			sum.Incorrect++
		}
		if d.Score != nil {
			sum.Score += *d.Score
		}
	}
	if sum.TotalQuestions < sum.Answered {
		sum.TotalQuestions = sum.Answered
	}
	sum.Unanswered = sum.TotalQuestions - sum.Answered
	return sum
}
