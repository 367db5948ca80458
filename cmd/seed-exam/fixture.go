package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/stemsi/exstem-attempt/internal/model"
	"gopkg.in/yaml.v3"
)

type fixture struct {
	Exam     examFixture      `yaml:"exam"`
	Students []studentFixture `yaml:"students"`
}

type studentFixture struct {
	Name string `yaml:"name"`
	NISN string `yaml:"nisn"`
}

type examFixture struct {
	Title           string            `yaml:"title"`
	DurationMinutes int               `yaml:"duration_minutes"`
	EntryToken      string            `yaml:"entry_token"`
	Status          model.ExamStatus  `yaml:"status"`
	Questions       []questionFixture `yaml:"questions"`
}

type questionFixture struct {
	Text    string             `yaml:"text"`
	Type    model.QuestionType `yaml:"type"`
	Marks   float64            `yaml:"marks"`
	Options yaml.Node          `yaml:"options"`
	Correct []string           `yaml:"correct"`
}

// options keeps the mapping order of the YAML document.
func (q *questionFixture) options() ([]model.Option, error) {
	if q.Options.Kind == 0 {
		return nil, nil
	}
	if q.Options.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: options must be a mapping", q.Options.Line)
	}
	out := make([]model.Option, 0, len(q.Options.Content)/2)
	for i := 0; i+1 < len(q.Options.Content); i += 2 {
		out = append(out, model.Option{
			ID:   q.Options.Content[i].Value,
			Text: q.Options.Content[i+1].Value,
		})
	}
	return out, nil
}

func decodeFixture(r io.Reader) (*fixture, error) {
	var f fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *fixture) validate() error {
	var errs []error
	if strings.TrimSpace(f.Exam.Title) == "" {
		errs = append(errs, errors.New("exam title is required"))
	}
	if f.Exam.DurationMinutes <= 0 {
		errs = append(errs, errors.New("exam duration_minutes must be positive"))
	}
	if f.Exam.Status == "" {
		f.Exam.Status = model.ExamStatusPublished
	}
	for i := range f.Exam.Questions {
		q := &f.Exam.Questions[i]
		opts, err := q.options()
		if err != nil {
			errs = append(errs, fmt.Errorf("question %d: %w", i+1, err))
			continue
		}
		switch {
		case q.Type.IsChoice():
			if len(opts) < 2 {
				errs = append(errs, fmt.Errorf("question %d: choice questions need at least two options", i+1))
			}
			if len(q.Correct) == 0 {
				errs = append(errs, fmt.Errorf("question %d: correct answer is required", i+1))
			}
			if q.Type == model.QuestionTypeSingleChoice && len(q.Correct) > 1 {
				errs = append(errs, fmt.Errorf("question %d: single choice allows one correct option", i+1))
			}
			for _, c := range q.Correct {
				if !slices.ContainsFunc(opts, func(o model.Option) bool { return o.ID == c }) {
					errs = append(errs, fmt.Errorf("question %d: correct option %q is not an option", i+1, c))
				}
			}
		case q.Type == model.QuestionTypeEssay:
			if len(opts) > 0 || len(q.Correct) > 0 {
				errs = append(errs, fmt.Errorf("question %d: essay questions take no options", i+1))
			}
		default:
			errs = append(errs, fmt.Errorf("question %d: unknown type %q", i+1, q.Type))
		}
	}
	return errors.Join(errs...)
}
