package swarm

// TorrentState is the lifecycle phase reported in a Status.
type TorrentState string

const (
	StateResolving   TorrentState = "resolving"
	StateDownloading TorrentState = "downloading"
	StateSeeding     TorrentState = "seeding"
	StateStopped     TorrentState = "stopped"
	StateError       TorrentState = "error"
)

// FileStatus describes per-file progress within a torrent.
type FileStatus struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	Length     int64  `json:"length"`
	Downloaded int64  `json:"downloaded"`
}

// Status is a point-in-time snapshot of one managed torrent.
// ID is the hex info hash.
type Status struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	State TorrentState `json:"state"`
	Error string       `json:"error,omitempty"`

	InfoHash string `json:"infoHash"`

	Length     int64   `json:"length"`
	Downloaded int64   `json:"downloaded"`
	Uploaded   int64   `json:"uploaded"`
	Progress   float64 `json:"progress"`

	// DownloadRate is bytes per second over a sliding window.
	DownloadRate int64 `json:"downloadRate"`

	// ETA is the estimated seconds until completion, -1 when
	// unknown.
	ETA int64 `json:"eta"`

	Peers int          `json:"peers"`
	Files []FileStatus `json:"files,omitempty"`
}
