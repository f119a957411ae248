// Package xmltv renders the aggregate channel set and its programme schedule
// as an XMLTV document.
package xmltv

import (
	"bytes"
	"encoding/xml"
	"io"

	"macreplay/work/types"
)

// TimeLayout is the XMLTV timestamp format; times are always written in UTC.
const TimeLayout = "20060102150405 +0000"

type TV struct {
	XMLName   xml.Name    `xml:"tv"`
	Generator string      `xml:"generator-info-name,attr,omitempty"`
	Channels  []Channel   `xml:"channel"`
	Programs  []Programme `xml:"programme"`
}

type Channel struct {
	ID          string `xml:"id,attr"`
	DisplayName string `xml:"display-name"`
	Icon        *Icon  `xml:"icon,omitempty"`
}

type Icon struct {
	Src string `xml:"src,attr"`
}

type Programme struct {
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Channel string `xml:"channel,attr"`
	Title   string `xml:"title"`
	Desc    string `xml:"desc,omitempty"`
}

// Guide accumulates channels and programmes for one document.
type Guide struct {
	tv      TV
	skipped int
}

// NewGuide starts an empty guide.
func NewGuide(generator string) *Guide {
	return &Guide{tv: TV{Generator: generator, Channels: []Channel{}, Programs: []Programme{}}}
}

// AddChannel adds ch and its programmes. Programmes without a start or stop
// time, or that end before they start, are skipped.
func (g *Guide) AddChannel(ch types.ResolvedChannel, programmes []types.Programme) {
	c := Channel{ID: ch.EPGID, DisplayName: ch.Name}
	if ch.Logo != "" {
		c.Icon = &Icon{Src: ch.Logo}
	}
	g.tv.Channels = append(g.tv.Channels, c)

	for _, p := range programmes {
		if p.Start.IsZero() || p.Stop.IsZero() || p.Stop.Before(p.Start) {
			g.skipped++
			continue
		}
		g.tv.Programs = append(g.tv.Programs, Programme{
			Start:   p.Start.UTC().Format(TimeLayout),
			Stop:    p.Stop.UTC().Format(TimeLayout),
			Channel: ch.EPGID,
			Title:   p.Title,
			Desc:    p.Description,
		})
	}
}

// Skipped returns the number of malformed programmes dropped so far.
func (g *Guide) Skipped() int { return g.skipped }

// Len returns the number of channels in the guide.
func (g *Guide) Len() int { return len(g.tv.Channels) }

// Write writes the document with its XML declaration.
func (g *Guide) Write(w io.Writer) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(g.tv); err != nil {
		return err
	}
	return enc.Close()
}

// Bytes renders the document.
func (g *Guide) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := g.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
