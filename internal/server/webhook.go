package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"autobuild/internal/core"
)

// PushEvent is the subset of a repository push notification used to pick projects.
type PushEvent struct {
	Ref        string `json:"ref"`
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		URL      string `json:"url"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// PushResponse lists what a push notification caused.
type PushResponse struct {
	Ref        string   `json:"ref"`
	Triggered  []string `json:"triggered"`
	Suppressed []string `json:"suppressed"`
}

const maxPushBody = 1 << 20

// POST /hooks/push accepts the event as a JSON body or as form field "payload".
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	event, err := decodePush(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	resp := PushResponse{Ref: event.Ref, Triggered: []string{}, Suppressed: []string{}}
	for _, name := range MatchPush(s.Registry, event) {
		queued, err := s.Dispatcher.Trigger(name)
		switch {
		case errors.Is(err, core.ErrDispatcherStopped), errors.Is(err, core.ErrSchedulerInvariant):
			s.writeError(w, err)
			return
		case err != nil:
			s.logger().Warn("push trigger failed", "project", name, "error", err)
		case queued:
			resp.Triggered = append(resp.Triggered, name)
		default:
			resp.Suppressed = append(resp.Suppressed, name)
		}
	}
	s.logger().Info("push received", "repository", event.Repository.Name, "ref", event.Ref,
		"triggered", resp.Triggered, "suppressed", resp.Suppressed)
	writeJSON(w, http.StatusOK, resp)
}

func decodePush(w http.ResponseWriter, r *http.Request) (PushEvent, error) {
	var event PushEvent
	r.Body = http.MaxBytesReader(w, r.Body, maxPushBody)

	var data []byte
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			return event, err
		}
		payload := r.PostFormValue("payload")
		if payload == "" {
			return event, errors.New("missing payload field")
		}
		data = []byte(payload)
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return event, err
		}
		data = body
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return event, errors.New("invalid push payload: " + err.Error())
	}
	if event.Repository.Name == "" && event.Repository.URL == "" && event.Repository.CloneURL == "" {
		return event, errors.New("push payload names no repository")
	}
	return event, nil
}

// MatchPush returns the enabled projects, in registration order, that the
// push event concerns.
func MatchPush(registry *core.Registry, event PushEvent) []string {
	var out []string
	for _, name := range registry.AllProjectNames() {
		p, err := registry.GetProject(name)
		if err != nil || !p.Enabled {
			continue
		}
		if !repoMatches(p, event) || !refMatches(p.WatchRefs, event.Ref) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func repoMatches(p *core.Project, event PushEvent) bool {
	if event.Repository.Name != "" && event.Repository.Name == p.Name() {
		return true
	}
	if p.RepoURL == "" {
		return false
	}
	for _, u := range []string{event.Repository.URL, event.Repository.CloneURL} {
		if u != "" && normalizeURL(u) == normalizeURL(p.RepoURL) {
			return true
		}
	}
	return false
}

func normalizeURL(u string) string {
	return strings.TrimSuffix(strings.TrimRight(u, "/"), ".git")
}

// refMatches reports whether ref is watched. No watch list means every ref.
func refMatches(watch []string, ref string) bool {
	if len(watch) == 0 {
		return true
	}
	short := strings.TrimPrefix(ref, "refs/heads/")
	for _, w := range watch {
		if w == ref || w == short {
			return true
		}
	}
	return false
}
