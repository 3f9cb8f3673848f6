package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/logger"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/service"
	"github.com/stemsi/exstem-client/internal/store"
	"github.com/stemsi/exstem-client/internal/validator"
)

// Usage: seed-bank [banks.json]
// Without a file the built-in banks are written. Existing subjects with the
// same ID are replaced.
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	validator.Setup()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	banks := service.DefaultBanks()
	if len(os.Args) > 1 {
		loaded, err := loadBanks(os.Args[1])
		if err != nil {
			log.Fatal().Err(err).Str("file", os.Args[1]).Msg("Failed to load question banks")
		}
		banks = loaded
	}

	for i := range banks {
		if fields := validator.Struct(&banks[i]); fields != nil {
			log.Fatal().Interface("fields", fields).Str("subject_id", banks[i].SubjectID).Msg("Invalid question bank")
		}
	}

	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	subjectService := service.NewSubjectService(rdb, log)

	fmt.Printf("=== Seeding %d question banks ===\n", len(banks))
	if err := subjectService.Seed(ctx, banks); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed question banks")
	}

	for _, b := range banks {
		fmt.Printf("  %-16s %-24s %d questions\n", b.SubjectID, b.Name, len(b.Questions))
	}
	fmt.Println("\nSeed completed!")
}

func loadBanks(path string) ([]model.QuestionBank, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read banks: %w", err)
	}
	var banks []model.QuestionBank
	if err := json.Unmarshal(raw, &banks); err != nil {
		return nil, fmt.Errorf("decode banks: %w", err)
	}
	if len(banks) == 0 {
		return nil, fmt.Errorf("%s holds no banks", path)
	}
	return banks, nil
}
