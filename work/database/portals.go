package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"macreplay/work/types"
)

// GetPortals loads every portal with its credentials in rotation order and its
// channel customisation.
func (db *DB) GetPortals(ctx context.Context) ([]types.Portal, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, url, enabled, proxy, streams_per_mac
		FROM portals
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query portals: %w", err)
	}

	var portals []types.Portal
	index := make(map[string]int)
	for rows.Next() {
		var p types.Portal
		if err := rows.Scan(&p.ID, &p.Name, &p.URL, &p.Enabled, &p.Proxy, &p.StreamsPerMAC); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan portal: %w", err)
		}
		p.Credentials = []types.Credential{}
		p.EnabledChannels = []string{}
		index[p.ID] = len(portals)
		portals = append(portals, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.loadCredentials(ctx, portals, index); err != nil {
		return nil, err
	}
	if err := db.loadChannels(ctx, portals, index); err != nil {
		return nil, err
	}
	return portals, nil
}

func (db *DB) loadCredentials(ctx context.Context, portals []types.Portal, index map[string]int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT portal_id, mac, expires_at
		FROM portal_credentials
		ORDER BY portal_id, position ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var portalID, mac string
		var expires sql.NullString
		if err := rows.Scan(&portalID, &mac, &expires); err != nil {
			return fmt.Errorf("failed to scan credential: %w", err)
		}
		i, ok := index[portalID]
		if !ok {
			continue
		}
		cred := types.Credential{MAC: mac}
		if expires.Valid && expires.String != "" {
			if t, err := time.Parse(time.RFC3339, expires.String); err == nil {
				cred.ExpiresAt = &t
			}
		}
		portals[i].Credentials = append(portals[i].Credentials, cred)
	}
	return rows.Err()
}

func (db *DB) loadChannels(ctx context.Context, portals []types.Portal, index map[string]int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT portal_id, channel_id, enabled, custom_name, custom_number, custom_genre, custom_epg_id, fallback_name
		FROM portal_channels
		ORDER BY portal_id, channel_id
	`)
	if err != nil {
		return fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var portalID, channelID, name, number, genre, epgID, fallback string
		var enabled bool
		if err := rows.Scan(&portalID, &channelID, &enabled, &name, &number, &genre, &epgID, &fallback); err != nil {
			return fmt.Errorf("failed to scan channel: %w", err)
		}
		i, ok := index[portalID]
		if !ok {
			continue
		}
		p := &portals[i]
		if enabled {
			p.EnabledChannels = append(p.EnabledChannels, channelID)
		}
		setIfPresent(&p.CustomNames, channelID, name)
		setIfPresent(&p.CustomNumbers, channelID, number)
		setIfPresent(&p.CustomGenres, channelID, genre)
		setIfPresent(&p.CustomEPGIDs, channelID, epgID)
		setIfPresent(&p.FallbackChannels, channelID, fallback)
	}
	return rows.Err()
}

func setIfPresent(m *map[string]string, key, value string) {
	if value == "" {
		return
	}
	if *m == nil {
		*m = make(map[string]string)
	}
	(*m)[key] = value
}

// SavePortals replaces the stored portal set with portals.
func (db *DB) SavePortals(ctx context.Context, portals []types.Portal) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM portal_channels", "DELETE FROM portal_credentials", "DELETE FROM portals"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear portals: %w", err)
		}
	}

	for pos, p := range portals {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO portals (id, position, name, url, enabled, proxy, streams_per_mac)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, pos, p.Name, p.URL, p.Enabled, p.Proxy, p.StreamsPerMAC)
		if err != nil {
			return fmt.Errorf("failed to insert portal %s: %w", p.ID, err)
		}

		if err := insertCredentials(ctx, tx, p.ID, p.Credentials); err != nil {
			return err
		}
		if err := insertChannels(ctx, tx, p); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveCredentialOrder rewrites only the rotation order of one portal's
// credentials.
func (db *DB) SaveCredentialOrder(ctx context.Context, portalID string, creds []types.Credential) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM portal_credentials WHERE portal_id = ?", portalID); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	if err := insertCredentials(ctx, tx, portalID, creds); err != nil {
		return err
	}
	return tx.Commit()
}

func insertCredentials(ctx context.Context, tx *sql.Tx, portalID string, creds []types.Credential) error {
	for pos, c := range creds {
		var expires sql.NullString
		if c.ExpiresAt != nil {
			expires = sql.NullString{String: c.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO portal_credentials (portal_id, mac, position, expires_at)
			VALUES (?, ?, ?, ?)
		`, portalID, c.MAC, pos, expires)
		if err != nil {
			return fmt.Errorf("failed to insert credential for %s: %w", portalID, err)
		}
	}
	return nil
}

func insertChannels(ctx context.Context, tx *sql.Tx, p types.Portal) error {
	enabled := p.EnabledSet()

	// every channel that is enabled or carries any customisation gets a row
	ids := make(map[string]struct{}, len(enabled))
	for id := range enabled {
		ids[id] = struct{}{}
	}
	for _, m := range []map[string]string{p.CustomNames, p.CustomNumbers, p.CustomGenres, p.CustomEPGIDs, p.FallbackChannels} {
		for id := range m {
			ids[id] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		_, on := enabled[id]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO portal_channels (portal_id, channel_id, enabled, custom_name, custom_number, custom_genre, custom_epg_id, fallback_name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, id, on, p.CustomNames[id], p.CustomNumbers[id], p.CustomGenres[id], p.CustomEPGIDs[id], p.FallbackChannels[id])
		if err != nil {
			return fmt.Errorf("failed to insert channel %s/%s: %w", p.ID, id, err)
		}
	}
	return nil
}
