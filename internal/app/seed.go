package app

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"kannamma/internal/domain"
)

// SeedFile is the YAML roster format accepted by asha seed.
type SeedFile struct {
	ASHAs   []SeedASHA   `yaml:"ashas"`
	Mothers []SeedMother `yaml:"mothers"`
}

type SeedASHA struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	PHCName  string `yaml:"phc_name"`
	Password string `yaml:"password"`
}

type SeedMother struct {
	ID             string `yaml:"id"`
	ASHAID         string `yaml:"asha_id"`
	Name           string `yaml:"name"`
	Age            int    `yaml:"age"`
	Phone          string `yaml:"phone"`
	Address        string `yaml:"address"`
	LastANCDate    string `yaml:"last_anc_date"`
	GestationWeeks int    `yaml:"gestation_weeks"`
	Flagged        bool   `yaml:"flagged"`
	Visited        bool   `yaml:"visited"`
	Notes          string `yaml:"notes"`
}

func (m SeedMother) Patient() domain.Patient {
	return domain.Patient{
		ID:             m.ID,
		ASHAID:         m.ASHAID,
		Name:           m.Name,
		Age:            m.Age,
		Phone:          m.Phone,
		Address:        m.Address,
		LastANCDate:    m.LastANCDate,
		GestationWeeks: m.GestationWeeks,
		Flagged:        m.Flagged,
		Visited:        m.Visited,
		Notes:          m.Notes,
	}
}

type SeedSummary struct {
	ASHAs   int `json:"ashas"`
	Mothers int `json:"mothers"`
}

// ParseSeed decodes and checks a seed file.
func ParseSeed(data []byte) (SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return SeedFile{}, fmt.Errorf("invalid seed yaml: %w", err)
	}
	known := map[string]bool{}
	for _, a := range f.ASHAs {
		known[a.ID] = true
	}
	seen := map[string]bool{}
	for _, m := range f.Mothers {
		if seen[m.ID] {
			return SeedFile{}, fmt.Errorf("mother %s listed twice", m.ID)
		}
		seen[m.ID] = true
		if err := m.Patient().Validate(); err != nil {
			return SeedFile{}, fmt.Errorf("mother %s: %w", m.ID, err)
		}
		if m.ASHAID == "" {
			return SeedFile{}, fmt.Errorf("mother %s: asha_id required", m.ID)
		}
		if len(f.ASHAs) > 0 && !known[m.ASHAID] {
			return SeedFile{}, fmt.Errorf("mother %s: unknown asha %s", m.ID, m.ASHAID)
		}
	}
	return f, nil
}

// Seed writes accounts first, then mothers in file order.
func Seed(ctx context.Context, s Seeder, f SeedFile) (SeedSummary, error) {
	var sum SeedSummary
	for _, a := range f.ASHAs {
		if err := s.SeedASHA(ctx, domain.ASHA{ID: a.ID, Name: a.Name, PHCName: a.PHCName}, a.Password); err != nil {
			return sum, fmt.Errorf("seed asha %s: %w", a.ID, err)
		}
		sum.ASHAs++
	}
	for i, m := range f.Mothers {
		if err := s.SeedMother(ctx, m.Patient(), i); err != nil {
			return sum, fmt.Errorf("seed mother %s: %w", m.ID, err)
		}
		sum.Mothers++
	}
	return sum, nil
}
