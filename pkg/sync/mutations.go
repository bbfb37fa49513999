package sync

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// SetOverride writes an override and refreshes the snapshot. Repeated calls
// for the same key are not serialized: the last refresh to finish wins.
func (e *Engine) SetOverride(ctx context.Context, flagKey string, value any) error {
	projectKey, err := e.mutationProject()
	if err != nil {
		return err
	}
	e.setLoading(true)
	defer e.setLoading(false)

	_, err = e.client.WriteOverride(ctx, projectKey, flagKey, value)
	e.metrics.Mutation("set", err)
	if err != nil {
		e.mutationFailed(err)
		return fmt.Errorf("set override %s: %w", flagKey, err)
	}
	if e.cfg.OnOverrideChange != nil {
		e.cfg.OnOverrideChange(flagKey, value, false)
	}
	return e.syncPass(ctx, false)
}

// ClearOverride deletes an override and refreshes the snapshot.
func (e *Engine) ClearOverride(ctx context.Context, flagKey string) error {
	projectKey, err := e.mutationProject()
	if err != nil {
		return err
	}
	e.setLoading(true)
	defer e.setLoading(false)

	err = e.client.DeleteOverride(ctx, projectKey, flagKey)
	e.metrics.Mutation("delete", err)
	if err != nil {
		e.mutationFailed(err)
		return fmt.Errorf("clear override %s: %w", flagKey, err)
	}
	if e.cfg.OnOverrideChange != nil {
		e.cfg.OnOverrideChange(flagKey, nil, true)
	}
	return e.syncPass(ctx, false)
}

// ClearAllOverrides deletes every override of the last snapshot
// concurrently and waits for all deletes to finish before refreshing.
func (e *Engine) ClearAllOverrides(ctx context.Context) error {
	projectKey, err := e.mutationProject()
	if err != nil {
		return err
	}
	e.setLoading(true)
	defer e.setLoading(false)

	keys := make([]string, 0)
	for key := range e.Overrides() {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			err := e.client.DeleteOverride(ctx, projectKey, key)
			e.metrics.Mutation("delete", err)
			if err != nil {
				return fmt.Errorf("clear override %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// some deletes may have landed, show what the dev server has now
		_ = e.syncPass(ctx, false)
		e.mutationFailed(err)
		return err
	}

	if e.cfg.OnOverrideChange != nil {
		for _, key := range keys {
			e.cfg.OnOverrideChange(key, nil, true)
		}
	}
	return e.syncPass(ctx, false)
}

func (e *Engine) mutationProject() (string, error) {
	if !e.configured() {
		return "", ErrNotAvailable
	}
	projectKey := e.ProjectKey()
	if projectKey == "" {
		err := fmt.Errorf("override: %w", ErrNoProjects)
		e.mutationFailed(err)
		return "", err
	}
	return projectKey, nil
}
