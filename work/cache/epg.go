package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"macreplay/work/hdhr"
	"macreplay/work/logger"
	"macreplay/work/m3u"
	"macreplay/work/xmltv"
)

const generatorName = "macreplay"

func (m *Manager) buildPlaylist(ctx context.Context) (*entry, error) {
	portals, err := m.store.GetPortals(ctx)
	if err != nil {
		return nil, fmt.Errorf("load portals: %w", err)
	}
	settings, err := m.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	var entries []m3u.Entry
	for _, d := range m.walk(ctx, portals, walkNeeds{genres: settings.UseChannelGenres}) {
		for _, ch := range d.channels {
			entries = append(entries, m3u.Entry{
				Channel: ch,
				URL:     m3u.PlayURL(m.baseURL, ch.PortalID, ch.ChannelID),
			})
		}
	}

	return &entry{
		payload: m3u.Render(entries, m3u.OptionsFrom(settings)),
		items:   len(entries),
	}, nil
}

func (m *Manager) buildLineup(ctx context.Context) (*entry, error) {
	portals, err := m.store.GetPortals(ctx)
	if err != nil {
		return nil, fmt.Errorf("load portals: %w", err)
	}

	lineup := []hdhr.LineupEntry{}
	for _, d := range m.walk(ctx, portals, walkNeeds{}) {
		for _, ch := range d.channels {
			lineup = append(lineup, hdhr.NewLineupEntry(m.baseURL, ch))
		}
	}

	payload, err := json.Marshal(lineup)
	if err != nil {
		return nil, fmt.Errorf("encode lineup: %w", err)
	}
	return &entry{payload: payload, items: len(lineup)}, nil
}

func (m *Manager) buildGuide(ctx context.Context) (*entry, error) {
	portals, err := m.store.GetPortals(ctx)
	if err != nil {
		return nil, fmt.Errorf("load portals: %w", err)
	}

	guide := xmltv.NewGuide(generatorName)
	for _, d := range m.walk(ctx, portals, walkNeeds{epg: true}) {
		for _, ch := range d.channels {
			guide.AddChannel(ch, d.epg[ch.ChannelID])
		}
	}
	if n := guide.Skipped(); n > 0 {
		logger.Debug("{cache/epg - buildGuide} skipped %d malformed programmes", n)
	}

	payload, err := guide.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode guide: %w", err)
	}
	return &entry{payload: payload, items: guide.Len()}, nil
}
