package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anouar4070/MediTime-2/internal/app"
	"github.com/anouar4070/MediTime-2/internal/auth"
	"github.com/anouar4070/MediTime-2/internal/config"
	"github.com/anouar4070/MediTime-2/internal/logging"
	"github.com/anouar4070/MediTime-2/internal/provider"
)

var specialities = []string{
	"General physician",
	"Gynecologist",
	"Dermatologist",
	"Pediatricians",
	"Neurologist",
	"Gastroenterologist",
}

func main() {
	providers := flag.Int("providers", 15, "number of providers to create")
	patients := flag.Int("patients", 5, "number of patient tokens to print")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of printed tokens")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("dev", "info", "seed").Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel, "seed")

	if cfg.Storage != config.StoragePostgres {
		log.Warn().Msg("seeding in-memory storage has no lasting effect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	a, err := app.Build(ctx, cfg, log, app.BuildOptions{Migrate: true})
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedProviders(ctx, a.Providers, *providers, log); err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}

	authn := auth.NewAuthenticator(cfg.JWTSecret, "")
	if err := printTokens(authn, *patients, *tokenTTL); err != nil {
		log.Fatal().Err(err).Msg("issue tokens")
	}

	log.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, svc *provider.Service, count int, log zerolog.Logger) error {
	log.Info().Int("count", count).Msg("seeding providers")

	for i := 0; i < count; i++ {
		_, err := svc.Create(ctx, provider.CreateInput{
			Name:       "Dr. " + gofakeit.Name(),
			Email:      gofakeit.Email(),
			Speciality: specialities[gofakeit.Number(0, len(specialities)-1)],
			Degree:     "MBBS",
			Experience: fmt.Sprintf("%d Years", gofakeit.Number(1, 25)),
			About:      fmt.Sprintf("Practising in %s since %d.", gofakeit.City(), gofakeit.Number(1995, 2022)),
			Address: provider.Address{
				Line1: gofakeit.Street(),
				Line2: gofakeit.City(),
			},
			Fees:      decimal.NewFromInt(int64(gofakeit.Number(20, 120))),
			Available: gofakeit.Number(0, 9) > 0,
		})
		if err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
	}
	return nil
}

func printTokens(authn *auth.Authenticator, patients int, ttl time.Duration) error {
	admin, err := authn.Issue("admin", auth.RoleAdmin, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "admin\t%s\n", admin)

	for i := 0; i < patients; i++ {
		subject := gofakeit.UUID()
		tok, err := authn.Issue(subject, "", ttl)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "patient %s\t%s\n", subject, tok)
	}
	return nil
}
