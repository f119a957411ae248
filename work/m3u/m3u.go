// Package m3u renders the aggregate channel set as an extended M3U playlist.
package m3u

import (
	"bufio"
	"bytes"
	"io"
	"net/url"
	"sort"
	"strings"

	"macreplay/work/config"
	"macreplay/work/types"
)

// Entry is one playlist channel and the gateway URL that plays it.
type Entry struct {
	Channel types.ResolvedChannel
	URL     string
}

// Options controls which optional attributes are written and how entries
// are ordered.
type Options struct {
	UseNumbers   bool // write tvg-chno
	UseGenres    bool // write group-title
	SortByName   bool
	SortByNumber bool // only applied with UseNumbers
	SortByGenre  bool // only applied with UseGenres
}

// OptionsFrom maps gateway settings to playlist options.
func OptionsFrom(s config.Settings) Options {
	return Options{
		UseNumbers:   s.UseChannelNumbers,
		UseGenres:    s.UseChannelGenres,
		SortByName:   s.SortByName,
		SortByNumber: s.SortByNumber,
		SortByGenre:  s.SortByGenre,
	}
}

// Sort orders entries in place. Name, number and genre sorts are stable and
// applied in that order, so a later enabled key takes precedence and earlier
// keys break its ties.
func Sort(entries []Entry, o Options) {
	if o.SortByName {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Channel.Name < entries[j].Channel.Name
		})
	}
	if o.UseNumbers && o.SortByNumber {
		sort.SliceStable(entries, func(i, j int) bool {
			return numberLess(entries[i].Channel, entries[j].Channel)
		})
	}
	if o.UseGenres && o.SortByGenre {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Channel.Genre < entries[j].Channel.Genre
		})
	}
}

// numberLess compares channel numbers numerically when both are integers.
func numberLess(a, b types.ResolvedChannel) bool {
	na, okA := a.NumberValue()
	nb, okB := b.NumberValue()
	switch {
	case okA && okB:
		return na < nb
	case okA != okB:
		// numbered channels before unnumbered ones
		return okA
	default:
		return a.Number < b.Number
	}
}

// Write sorts entries and writes the playlist to w.
func Write(w io.Writer, entries []Entry, o Options) error {
	sorted := append([]Entry(nil), entries...)
	Sort(sorted, o)

	bw := bufio.NewWriter(w)
	bw.WriteString("#EXTM3U\n")
	for _, e := range sorted {
		bw.WriteString(`#EXTINF:-1 tvg-id="`)
		bw.WriteString(attr(e.Channel.EPGID))
		bw.WriteByte('"')
		if o.UseNumbers {
			bw.WriteString(` tvg-chno="`)
			bw.WriteString(attr(e.Channel.Number))
			bw.WriteByte('"')
		}
		if o.UseGenres {
			bw.WriteString(` group-title="`)
			bw.WriteString(attr(e.Channel.Genre))
			bw.WriteByte('"')
		}
		bw.WriteByte(',')
		bw.WriteString(line(e.Channel.Name))
		bw.WriteByte('\n')
		bw.WriteString(e.URL)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// Render returns the playlist as bytes.
func Render(entries []Entry, o Options) []byte {
	var buf bytes.Buffer
	Write(&buf, entries, o)
	return buf.Bytes()
}

// PlayURL is the gateway URL for one channel.
func PlayURL(baseURL, portalID, channelID string) string {
	return strings.TrimRight(baseURL, "/") + "/play/" + url.PathEscape(portalID) + "/" + url.PathEscape(channelID)
}

var attrReplacer = strings.NewReplacer(`"`, "'", "\n", " ", "\r", " ")

func attr(s string) string { return attrReplacer.Replace(s) }

func line(s string) string { return strings.NewReplacer("\n", " ", "\r", " ").Replace(s) }
