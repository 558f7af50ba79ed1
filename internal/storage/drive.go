package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DriveConsent runs the one-time consent handshake the document store needs.
// It is separate from user sign-in.
type DriveConsent struct {
	config    *oauth2.Config
	tokenFile string
}

// NewDriveConsent reads OAuth client credentials for the document store.
func NewDriveConsent(credentialsFile, tokenFile string) (*DriveConsent, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read drive credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("parse drive credentials: %w", err)
	}
	return &DriveConsent{config: cfg, tokenFile: tokenFile}, nil
}

// AuthURL returns the URL the operator visits to grant access.
func (c *DriveConsent) AuthURL(state string) string {
	return c.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Complete exchanges the consent code and saves the token for later runs.
func (c *DriveConsent) Complete(ctx context.Context, code string) error {
	tok, err := c.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange drive code: %w", err)
	}
	f, err := os.OpenFile(c.tokenFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("save drive token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}

// DriveStore is a DocumentStore backed by Google Drive.
type DriveStore struct {
	srv *drive.Service
}

// NewDriveStore opens Drive with a token saved by DriveConsent.Complete.
func (c *DriveConsent) NewDriveStore(ctx context.Context) (*DriveStore, error) {
	f, err := os.Open(c.tokenFile)
	if err != nil {
		return nil, fmt.Errorf("open drive token (run `questionflow drive authorize` first): %w", err)
	}
	defer f.Close()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode drive token: %w", err)
	}
	srv, err := drive.NewService(ctx, option.WithTokenSource(c.config.TokenSource(ctx, &tok)))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &DriveStore{srv: srv}, nil
}

// Upload creates a file in folderID.
func (d *DriveStore) Upload(ctx context.Context, name, folderID string, r io.Reader, contentType string) (Document, error) {
	meta := &drive.File{Name: name}
	if folderID != "" {
		meta.Parents = []string{folderID}
	}
	call := d.srv.Files.Create(meta).Fields("id", "webViewLink").Context(ctx)
	if contentType != "" {
		call = call.Media(r, googleapi.ContentType(contentType))
	} else {
		call = call.Media(r)
	}
	res, err := call.Do()
	if err != nil {
		return Document{}, err
	}
	return Document{FileID: res.Id, FileURL: res.WebViewLink}, nil
}
