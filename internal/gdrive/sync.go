// Package gdrive mirrors the daily coaching journal to a Google Drive
// folder so call history survives the machine the daemon runs on.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const docMimeType = "application/vnd.google-apps.document"

// Syncer uploads one Google Doc per journal date, updating it in place on
// repeat syncs. The date-to-file mapping is held in memory only; a daemon
// restart creates a fresh document rather than querying Drive for the old
// one.
type Syncer struct {
	service  *drive.Service
	folderID string

	mu      sync.Mutex
	fileIDs map[string]string
}

func NewSyncer(ctx context.Context, credPath, folderID string) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &Syncer{
		service:  svc,
		folderID: folderID,
		fileIDs:  make(map[string]string),
	}, nil
}

// Sync uploads the journal for one date, converting the markdown to a
// Google Doc. A date whose journal does not exist yet is a no-op, so the
// periodic ticker can run before the first call of the day.
func (s *Syncer) Sync(ctx context.Context, journalPath, date string) error {
	f, err := os.Open(journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", journalPath, err)
	}
	defer func() { _ = f.Close() }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if fileID, ok := s.fileIDs[date]; ok {
		return s.replaceDoc(ctx, fileID, f)
	}

	fileID, err := s.createDoc(ctx, "pitchpilot-"+date, f)
	if err != nil {
		return err
	}
	s.fileIDs[date] = fileID
	return nil
}

func (s *Syncer) createDoc(ctx context.Context, name string, content io.Reader) (string, error) {
	doc, err := s.service.Files.Create(&drive.File{
		Name:     name,
		MimeType: docMimeType,
		Parents:  []string{s.folderID},
	}).Context(ctx).Media(content, googleapi.ContentType("text/markdown")).Do()
	if err != nil {
		return "", fmt.Errorf("drive create: %w", err)
	}
	return doc.Id, nil
}

func (s *Syncer) replaceDoc(ctx context.Context, fileID string, content io.Reader) error {
	_, err := s.service.Files.Update(fileID, &drive.File{}).Context(ctx).Media(content, googleapi.ContentType("text/markdown")).Do()
	if err != nil {
		return fmt.Errorf("drive update: %w", err)
	}
	return nil
}
