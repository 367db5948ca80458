package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// issue-token signs a student token and makes it the student's active
// session. Any earlier token of the student stops working. With -revoke the
// active session is removed and no token is issued.
func main() {
	var (
		studentID int
		revoke    bool
	)
	flag.IntVar(&studentID, "student", 0, "Student ID")
	flag.BoolVar(&revoke, "revoke", false, "Revoke the active session instead of issuing a token")
	flag.Parse()

	if studentID <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: issue-token -student <id> [-revoke]")
		os.Exit(2)
	}

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	student, err := repository.NewStudentRepository(pool).GetByID(ctx, studentID)
	if err != nil {
		log.Fatal().Err(err).Int("student_id", studentID).Msg("Student not found")
	}

	authService := service.NewAuthService(cfg, rdb)
	if revoke {
		if err := authService.ResetStudentSession(ctx, student.ID); err != nil {
			log.Fatal().Err(err).Msg("Failed to revoke session")
		}
		log.Info().Int("student_id", student.ID).Msg("Session revoked")
		return
	}

	token, err := authService.IssueStudentToken(ctx, student.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	log.Info().
		Int("student_id", student.ID).
		Str("name", student.Name).
		Dur("expires_in", cfg.JWTExpiry).
		Msg("Token issued")
	fmt.Println(token)
}
