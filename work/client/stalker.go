package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"macreplay/work/logger"
	"macreplay/work/types"
)

// Stalker implements Portal against the Stalker middleware JSON API.
type Stalker struct {
	http *HeaderSettingClient
}

// NewStalker returns a Stalker client using hc for transport.
func NewStalker(hc *HeaderSettingClient) *Stalker {
	return &Stalker{http: hc}
}

// flexString decodes JSON strings and numbers alike; portals are inconsistent
// about which one they send for ids and timestamps.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*f = flexString(b)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type envelope struct {
	JS json.RawMessage `json:"js"`
}

// call performs one API action and returns the raw "js" payload.
func (s *Stalker) call(ctx context.Context, ep Endpoint, token string, params url.Values) (json.RawMessage, error) {
	u, err := url.Parse(ep.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid portal url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("JsHttpRequest", "1-xml")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.http.Do(req, ep.Proxy, ep.MAC, token)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("portal %s returned %d", params.Get("action"), resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", params.Get("action"), err)
	}
	if len(env.JS) == 0 || string(env.JS) == "null" {
		return nil, fmt.Errorf("portal %s returned no data", params.Get("action"))
	}
	return env.JS, nil
}

func action(typ, act string, extra ...string) url.Values {
	v := url.Values{"type": {typ}, "action": {act}}
	for i := 0; i+1 < len(extra); i += 2 {
		v.Set(extra[i], extra[i+1])
	}
	return v
}

func (s *Stalker) Authenticate(ctx context.Context, ep Endpoint) (string, error) {
	js, err := s.call(ctx, ep, "", action("stb", "handshake", "token", ""))
	if err != nil {
		return "", err
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(js, &body); err != nil || body.Token == "" {
		return "", errors.New("handshake returned no token")
	}
	return body.Token, nil
}

func (s *Stalker) FetchProfile(ctx context.Context, ep Endpoint, token string) error {
	js, err := s.call(ctx, ep, token, action("stb", "get_profile"))
	if err != nil {
		return err
	}
	var profile map[string]json.RawMessage
	if err := json.Unmarshal(js, &profile); err != nil || len(profile) == 0 {
		return errors.New("empty profile")
	}
	return nil
}

func (s *Stalker) FetchChannels(ctx context.Context, ep Endpoint, token string) ([]types.CatalogChannel, error) {
	js, err := s.call(ctx, ep, token, action("itv", "get_all_channels"))
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []struct {
			ID      flexString `json:"id"`
			Name    string     `json:"name"`
			Number  flexString `json:"number"`
			GenreID flexString `json:"tv_genre_id"`
			Cmd     string     `json:"cmd"`
			Logo    string     `json:"logo"`
		} `json:"data"`
	}
	if err := json.Unmarshal(js, &body); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, errors.New("empty channel catalog")
	}

	out := make([]types.CatalogChannel, 0, len(body.Data))
	for _, c := range body.Data {
		out = append(out, types.CatalogChannel{
			ID:      string(c.ID),
			Name:    c.Name,
			Number:  string(c.Number),
			GenreID: string(c.GenreID),
			Cmd:     c.Cmd,
			Logo:    c.Logo,
		})
	}
	return out, nil
}

func (s *Stalker) FetchGenres(ctx context.Context, ep Endpoint, token string) (map[string]string, error) {
	js, err := s.call(ctx, ep, token, action("itv", "get_genres"))
	if err != nil {
		return nil, err
	}
	var list []struct {
		ID    flexString `json:"id"`
		Title string     `json:"title"`
	}
	if err := json.Unmarshal(js, &list); err != nil {
		return nil, fmt.Errorf("decode genres: %w", err)
	}
	out := make(map[string]string, len(list))
	for _, g := range list {
		out[string(g.ID)] = g.Title
	}
	return out, nil
}

func (s *Stalker) FetchEPG(ctx context.Context, ep Endpoint, token string, hours int) (map[string][]types.Programme, error) {
	js, err := s.call(ctx, ep, token, action("itv", "get_epg_info", "period", strconv.Itoa(hours)))
	if err != nil {
		return nil, err
	}
	var body struct {
		Data map[string][]struct {
			Start flexString `json:"start_timestamp"`
			Stop  flexString `json:"stop_timestamp"`
			Name  string     `json:"name"`
			Descr string     `json:"descr"`
		} `json:"data"`
	}
	if err := json.Unmarshal(js, &body); err != nil {
		return nil, fmt.Errorf("decode epg: %w", err)
	}

	out := make(map[string][]types.Programme, len(body.Data))
	for id, entries := range body.Data {
		progs := make([]types.Programme, 0, len(entries))
		for _, e := range entries {
			progs = append(progs, types.Programme{
				Start:       parseUnix(string(e.Start)),
				Stop:        parseUnix(string(e.Stop)),
				Title:       e.Name,
				Description: e.Descr,
			})
		}
		out[id] = progs
	}
	return out, nil
}

func (s *Stalker) ResolveLink(ctx context.Context, ep Endpoint, token, cmd string) (string, error) {
	js, err := s.call(ctx, ep, token, action("itv", "create_link",
		"cmd", cmd, "series", "0", "forced_storage", "false", "disable_ad", "false", "download", "false"))
	if err != nil {
		return "", err
	}
	var body struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(js, &body); err != nil {
		return "", fmt.Errorf("decode link: %w", err)
	}
	fields := strings.Fields(body.Cmd)
	switch len(fields) {
	case 0:
		return "", errors.New("portal returned an empty link")
	case 1:
		return fields[0], nil
	default:
		return fields[1], nil
	}
}

// FetchExpiry reads the account expiry the portal reports in get_main_info.
func (s *Stalker) FetchExpiry(ctx context.Context, ep Endpoint, token string) (time.Time, error) {
	js, err := s.call(ctx, ep, token, action("account_info", "get_main_info"))
	if err != nil {
		return time.Time{}, err
	}
	var body struct {
		Phone string `json:"phone"`
	}
	if err := json.Unmarshal(js, &body); err != nil {
		return time.Time{}, fmt.Errorf("decode account info: %w", err)
	}
	for _, layout := range []string{"January 2, 2006, 3:04 pm", "January 2, 2006, 15:04", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(body.Phone)); err == nil {
			return t, nil
		}
	}
	logger.Debug("{client/stalker - FetchExpiry} unrecognised expiry %q", body.Phone)
	return time.Time{}, fmt.Errorf("unrecognised expiry %q", body.Phone)
}

func parseUnix(s string) time.Time {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
