package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/oauth2"
)

const refreshSkew = 60 * time.Second

// tokenFile is the on-disk shape written by the device-flow helper.
type tokenFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
}

// fileTokenSource serves a delegated token from a JSON file, refreshing it
// with the refresh token and writing the result back. External rewrites of the
// file are picked up through fsnotify.
type fileTokenSource struct {
	ctx  context.Context
	path string
	conf *oauth2.Config

	mu  sync.Mutex
	tok *oauth2.Token

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newFileTokenSource(ctx context.Context, path string, conf *oauth2.Config) (*fileTokenSource, error) {
	s := &fileTokenSource{ctx: ctx, path: filepath.Clean(path), conf: conf, done: make(chan struct{})}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("outlook: token watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		slog.Warn("outlook.token_watch_failed", "path", s.path, "error", err)
		return s, nil
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *fileTokenSource) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				slog.Warn("outlook.token_reload_failed", "error", err)
				continue
			}
			slog.Debug("outlook.token_reloaded", "path", s.path)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("outlook.token_watch_error", "error", err)
		}
	}
}

func (s *fileTokenSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("outlook: parse token file: %w", err)
	}
	tok := &oauth2.Token{
		AccessToken:  tf.AccessToken,
		RefreshToken: tf.RefreshToken,
		TokenType:    "Bearer",
	}
	if tf.ExpiresAt > 0 {
		tok.Expiry = time.Unix(tf.ExpiresAt, 0)
	}
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
	return nil
}

// Token implements oauth2.TokenSource.
func (s *fileTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok == nil || (s.tok.RefreshToken == "" && s.tok.AccessToken == "") {
		return nil, fmt.Errorf("outlook: no delegated token in %s", s.path)
	}
	if s.tok.AccessToken != "" && !s.tok.Expiry.IsZero() && time.Until(s.tok.Expiry) > refreshSkew {
		return s.tok, nil
	}
	if s.tok.RefreshToken == "" {
		return nil, fmt.Errorf("outlook: delegated token expired and no refresh token")
	}

	// Force a refresh by handing oauth2 an expired copy.
	stale := *s.tok
	stale.Expiry = time.Unix(1, 0)
	fresh, err := s.conf.TokenSource(s.ctx, &stale).Token()
	if err != nil {
		return nil, fmt.Errorf("outlook: refresh delegated token: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.tok.RefreshToken
	}
	s.tok = fresh
	if err := s.persist(fresh); err != nil {
		slog.Warn("outlook.token_persist_failed", "error", err)
	}
	return fresh, nil
}

func (s *fileTokenSource) persist(tok *oauth2.Token) error {
	tf := tokenFile{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		tf.ExpiresAt = tok.Expiry.Unix()
	} else {
		tf.ExpiresAt = time.Now().Add(time.Hour).Unix()
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *fileTokenSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.watcher.Close()
}
