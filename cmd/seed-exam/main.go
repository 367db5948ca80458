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
	"github.com/stemsi/exstem-attempt/internal/model"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/service"
)

func main() {
	var path string
	flag.StringVar(&path, "fixture", "fixtures/exam.yaml", "Path to the exam fixture")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	file, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open fixture")
	}
	fx, err := decodeFixture(file)
	file.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid fixture")
	}

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	studentRepo := repository.NewStudentRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	// Only hashing is used, which needs no Redis.
	authService := service.NewAuthService(cfg, nil)

	fmt.Printf("=== Seeding %d students ===\n", len(fx.Students))
	for _, s := range fx.Students {
		student := &model.Student{Name: s.Name, NISN: s.NISN}
		if err := studentRepo.Upsert(ctx, student); err != nil {
			log.Fatal().Err(err).Str("nisn", s.NISN).Msg("Failed to upsert student")
		}
		fmt.Printf("  #%d %s (NISN %s)\n", student.ID, student.Name, student.NISN)
	}

	exam := &model.Exam{
		Title:           fx.Exam.Title,
		DurationSeconds: fx.Exam.DurationMinutes * 60,
		Status:          fx.Exam.Status,
	}
	if fx.Exam.EntryToken != "" {
		exam.EntryTokenHash, err = authService.HashEntryToken(fx.Exam.EntryToken)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to hash entry token")
		}
	}
	if err := examRepo.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}

	for i, qf := range fx.Exam.Questions {
		opts, _ := qf.options()
		q := &model.Question{
			ExamID:   exam.ID,
			OrderNum: i + 1,
			Text:     qf.Text,
			Type:     qf.Type,
			Options:  opts,
			Marks:    qf.Marks,
		}
		if err := questionRepo.Create(ctx, q, qf.Correct); err != nil {
			log.Fatal().Err(err).Int("order", i+1).Msg("Failed to create question")
		}
	}

	fmt.Printf("\nSeed completed! Exam %q (%s) with %d questions.\n", exam.Title, exam.ID, len(fx.Exam.Questions))
}
