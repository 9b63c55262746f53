package app

import (
	"context"
	"errors"
	"fmt"
)

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStoreWithoutMigrations(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	applied, err := a.applyMigrations(ctx, store)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema up to date")
	}
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}

	count, err := store.CountEvents(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "events stored: %d\n", count)
	return nil
}

// Subscribe registers the webhook subscription with the tracker.
func (a *App) Subscribe(ctx context.Context, id string) error {
	if id == "" {
		id = a.Config.Tracker.SubscriptionID
	}
	payload, err := a.newTracker(ctx).Subscribe(ctx, id)
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", id, err)
	}
	a.Logger.Info().Str("subscription_id", id).Msg("subscription created")
	fmt.Fprintln(a.Out, string(payload))
	return nil
}
