package cache

import (
	"github.com/puzpuzpuz/xsync/v3"

	"macreplay/work/types"
)

type channelKey struct {
	portalID  string
	channelID string
}

// nameIndex remembers the upstream name of every catalog channel seen by a
// successful walk. Entries survive failed walks so a portal whose credentials
// all went dark can still be matched against fallback mappings.
type nameIndex struct {
	names *xsync.MapOf[channelKey, string]
}

func newNameIndex() *nameIndex {
	return &nameIndex{names: xsync.NewMapOf[channelKey, string]()}
}

func (ix *nameIndex) record(portalID string, catalog []types.CatalogChannel) {
	for _, c := range catalog {
		if c.Name == "" {
			continue
		}
		ix.names.Store(channelKey{portalID: portalID, channelID: c.ID}, c.Name)
	}
}

// ChannelName returns the catalog name last seen for channelID on portalID.
// Custom names are not applied; callers overlay them from the portal.
func (m *Manager) ChannelName(portalID, channelID string) (string, bool) {
	return m.names.names.Load(channelKey{portalID: portalID, channelID: channelID})
}
