package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"reviewd/internal/client"
	"reviewd/internal/config"
	"reviewd/internal/engine"
	"reviewd/internal/registry"
	"reviewd/internal/review"
)

func newTailCmd() *cobra.Command {
	var user string
	var subjects []string

	cmd := &cobra.Command{
		Use:   "tail <record-id> [record-id...]",
		Short: "Follow review state for a set of records and print every change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), user, args, subjects)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "reviewer label (defaults to REVIEWD_USER)")
	cmd.Flags().StringSliceVar(&subjects, "subjects", nil, "subject keys aligned with the record ids")
	return cmd
}

func runTail(ctx context.Context, user string, ids, subjects []string) error {
	cfg := config.Load()
	if user == "" {
		user = cfg.UserLabel
	}
	if user == "" {
		return fmt.Errorf("a reviewer label is required: pass --user or set REVIEWD_USER")
	}

	api := client.New(client.Options{
		BaseURL:      cfg.APIBase,
		Organization: cfg.Organization,
		ContentType:  cfg.ContentType,
	})
	token, err := api.Login(ctx, user)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	api.SetToken(token)

	reg := registry.New()
	for i, id := range ids {
		subjectKey := ""
		if i < len(subjects) {
			subjectKey = strings.TrimSpace(subjects[i])
		}
		reg.Register(review.RecordID(id), subjectKey)
	}

	eng := engine.New(engine.Options{
		API:          api,
		Registry:     reg,
		View:         printRenderer{},
		ContentType:  cfg.ContentType,
		UserLabel:    user,
		PollInterval: cfg.PollInterval,
		UndoWindow:   cfg.UndoWindow,
	})

	log.Printf("tailing %d records for %s every %s", reg.Len(), cfg.Organization, cfg.PollInterval)
	if err := eng.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// printRenderer writes one line per observable change.
type printRenderer struct{}

func (printRenderer) RenderAll(s *registry.Subject) {
	fmt.Printf("%s decisions=%s focus=%s notes=%d\n",
		s.ID, formatDecisions(s.Decisions), formatFocus(s.Focus), len(s.Notes))
}

func (printRenderer) DecisionsChanged(s *registry.Subject) {
	fmt.Printf("%s decisions -> %s\n", s.ID, formatDecisions(s.Decisions))
}

func (printRenderer) NotesChanged(s *registry.Subject) {
	if len(s.Notes) == 0 {
		fmt.Printf("%s notes -> (none)\n", s.ID)
		return
	}
	latest := s.Notes[0]
	fmt.Printf("%s notes -> %d, latest %q by %s\n", s.ID, len(s.Notes), latest.Message, latest.Reviewer)
}

func (printRenderer) FocusChanged(s *registry.Subject) {
	fmt.Printf("%s focus -> %s\n", s.ID, formatFocus(s.Focus))
}

func (printRenderer) Saved(s *registry.Subject)        { fmt.Printf("%s saved\n", s.ID) }
func (printRenderer) SavedCleared(s *registry.Subject) {}
func (printRenderer) Undone(s *registry.Subject)       { fmt.Printf("%s delete undone\n", s.ID) }

func (printRenderer) SaveFailed(s *registry.Subject, err error) {
	fmt.Printf("%s save failed: %v\n", s.ID, err)
}

func formatDecisions(decisions map[string]string) string {
	if decisions == nil {
		return "(unloaded)"
	}
	if len(decisions) == 0 {
		return "(empty)"
	}
	return review.EncodeDecisions(review.DefaultSchema(), decisions)
}

func formatFocus(labels []string) string {
	if len(labels) == 0 {
		return "(nobody)"
	}
	return strings.Join(labels, ",")
}
