package models

import "time"

// FileTab is one entity's presence in the open workspace session.
type FileTab struct {
	ID           string     `json:"id"`
	Kind         EntityKind `json:"kind"`
	Title        string     `json:"title"`
	IsDirty      bool       `json:"is_dirty"`
	LastModified time.Time  `json:"last_modified"`
	LastAccessed time.Time  `json:"last_accessed"`

	// Cached is the last snapshot seen for the tab, for instant reopen.
	Cached Snapshot `json:"cached,omitempty"`
}

// Clone returns a deep copy of the tab.
func (t *FileTab) Clone() FileTab {
	out := *t
	out.Cached = t.Cached.Clone()
	return out
}

// Layout holds UI layout preferences persisted with the session.
type Layout struct {
	SidebarCollapsed bool   `json:"sidebar_collapsed"`
	SidebarWidth     int    `json:"sidebar_width"`
	SplitView        bool   `json:"split_view"`
	Theme            string `json:"theme,omitempty"`
}

// WorkspaceSession is the aggregate root of one editing session.
type WorkspaceSession struct {
	ProjectID    string              `json:"project_id"`
	OpenFiles    map[string]*FileTab `json:"open_files"`
	Order        []string            `json:"order"`
	ActiveFileID string              `json:"active_file_id,omitempty"`
	Layout       Layout              `json:"layout"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s *WorkspaceSession) Clone() WorkspaceSession {
	out := *s
	out.OpenFiles = make(map[string]*FileTab, len(s.OpenFiles))
	for id, tab := range s.OpenFiles {
		c := tab.Clone()
		out.OpenFiles[id] = &c
	}
	out.Order = append([]string(nil), s.Order...)
	return out
}
