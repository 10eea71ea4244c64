package app

import (
	"context"
	"errors"

	"curbkey/internal/config"
	"curbkey/internal/domain"
	"curbkey/internal/engine"
	"curbkey/internal/repo"
)

// ResolveVenue ensures the configured venue exists in the database,
// seeding it with a demo exit layout on first run. Commands and the
// server both go through this so a fresh workspace is usable right away.
func ResolveVenue(ctx context.Context, cfg *config.Config, eng engine.Engine) (domain.Venue, error) {
	v, err := eng.Repo.GetVenue(ctx, cfg.Venue.ID)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Venue{}, err
	}
	return SeedVenue(ctx, cfg, eng)
}

// SeedVenue creates the configured venue with three exits (A, B, C) and a
// pair of zones defaulting to exits A and B.
func SeedVenue(ctx context.Context, cfg *config.Config, eng engine.Engine) (domain.Venue, error) {
	name := cfg.Venue.Name
	if name == "" {
		name = "Demo Garage"
	}
	v, err := eng.CreateVenue(ctx, cfg.Venue.ID, name, "UTC")
	if err != nil {
		return domain.Venue{}, err
	}
	for _, code := range []string{"A", "B", "C"} {
		if _, err := eng.CreateExit(ctx, v.ID, code, "Exit "+code); err != nil {
			return domain.Venue{}, err
		}
	}
	for label, exitCode := range map[string]string{"P1": "A", "P2": "B"} {
		if _, err := eng.CreateZone(ctx, v.ID, label, exitCode); err != nil {
			return domain.Venue{}, err
		}
	}
	return v, nil
}
