// Package crm reports answered questions to the backup reporting API and to
// HubSpot. Reporting is best effort: failures are logged and never reach the
// caller.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Placeholder sent for values the interaction does not carry.
const Missing = "--"

const (
	defaultHubSpotURL = "https://api.hubapi.com"
	defaultTimeout    = 15 * time.Second
	maxErrorBody      = 512
)

// Interaction is one answered question.
type Interaction struct {
	Executor string
	ChatID   string
	ChatName string
	Category string
	Model    string
	Question string
	Answer   string
	Sources  []string
}

// withDefaults replaces every empty optional value with Missing.
func (in Interaction) withDefaults() Interaction {
	for _, f := range []*string{&in.Executor, &in.ChatName, &in.Category, &in.Model} {
		if strings.TrimSpace(*f) == "" {
			*f = Missing
		}
	}
	return in
}

func (in Interaction) sourceList() string {
	if len(in.Sources) == 0 {
		return Missing
	}
	return strings.Join(in.Sources, ", ")
}

// Recorder receives interactions after they are committed.
type Recorder interface {
	RecordInteraction(ctx context.Context, in Interaction)
}

// Noop discards every interaction.
type Noop struct{}

func (Noop) RecordInteraction(context.Context, Interaction) {}

// Config configures the HTTP recorder. An empty BackupURL skips the backup
// report; an empty HubSpotToken skips the contact.
type Config struct {
	BackupURL      string
	Username       string
	Password       string
	HubSpotURL     string
	HubSpotToken   string
	RequestTimeout time.Duration
}

// HTTPRecorder performs a JWT exchange and report against the backup API,
// then creates a HubSpot contact. Each call is attempted once.
type HTTPRecorder struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func NewHTTPRecorder(cfg Config, client *http.Client) *HTTPRecorder {
	if cfg.HubSpotURL == "" {
		cfg.HubSpotURL = defaultHubSpotURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	cfg.BackupURL = strings.TrimRight(cfg.BackupURL, "/")
	cfg.HubSpotURL = strings.TrimRight(cfg.HubSpotURL, "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &HTTPRecorder{cfg: cfg, client: client, logger: slog.Default()}
}

// report is the backup API payload.
type report struct {
	TextPost      string `json:"text_post"`
	TextComment   string `json:"text_comment"`
	ExtensionUser string `json:"extension_user"`
	AIComments    string `json:"ai_comments"`
	ProjectID     string `json:"project_id"`
	UserName      string `json:"user_name"`
	AboutUser     string `json:"about_user"`
}

type contactProperties struct {
	FirstName        string `json:"firstname"`
	PostText         string `json:"post_text"`
	CommentText      string `json:"comment_text"`
	GeneratedComment string `json:"generated_comment"`
	ProjectName      string `json:"project_name"`
}

func (r *HTTPRecorder) RecordInteraction(ctx context.Context, in Interaction) {
	in = in.withDefaults()
	log := r.logger.With("chat_id", in.ChatID)

	if r.cfg.BackupURL != "" {
		if err := r.sendReport(ctx, in); err != nil {
			log.Warn("backup report failed", "error", err)
		} else {
			log.Debug("backup report sent")
		}
	}
	if r.cfg.HubSpotToken != "" {
		if err := r.createContact(ctx, in); err != nil {
			log.Warn("hubspot contact failed", "error", err)
		} else {
			log.Debug("hubspot contact created")
		}
	}
}

func (r *HTTPRecorder) sendReport(ctx context.Context, in Interaction) error {
	token, err := r.exchangeJWT(ctx)
	if err != nil {
		return fmt.Errorf("jwt exchange: %w", err)
	}
	payload := report{
		TextPost:      in.Question,
		TextComment:   in.sourceList(),
		ExtensionUser: in.Executor,
		AIComments:    in.Answer,
		ProjectID:     in.Category,
		UserName:      in.ChatName,
		AboutUser:     in.Model,
	}
	_, err = r.post(ctx, r.cfg.BackupURL+"/api/extension_linkedin/reports/", "JWT "+token, payload)
	return err
}

func (r *HTTPRecorder) exchangeJWT(ctx context.Context) (string, error) {
	body, err := r.post(ctx, r.cfg.BackupURL+"/api/auth/jwt/create/", "", map[string]string{
		"username": r.cfg.Username,
		"password": r.cfg.Password,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Access string `json:"access"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding token: %w", err)
	}
	if out.Access == "" {
		return "", errors.New("response carries no access token")
	}
	return out.Access, nil
}

func (r *HTTPRecorder) createContact(ctx context.Context, in Interaction) error {
	payload := struct {
		Associations []any            `json:"associations"`
		Properties   contactProperties `json:"properties"`
	}{
		Associations: []any{},
		Properties: contactProperties{
			FirstName:        in.Executor,
			PostText:         in.Question,
			CommentText:      in.sourceList(),
			GeneratedComment: in.Answer,
			ProjectName:      in.Category,
		},
	}
	_, err := r.post(ctx, r.cfg.HubSpotURL+"/crm/v3/objects/contacts", "Bearer "+r.cfg.HubSpotToken, payload)
	return err
}

func (r *HTTPRecorder) post(ctx context.Context, url, auth string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("POST %s: unexpected status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return io.ReadAll(resp.Body)
}
