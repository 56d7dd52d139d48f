package store

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/streamstory/go-engine/internal/ftr"
)

// #region version
// Version is one saved model. Blob holds the gob stream written by
// orchestrator.Model.Save; Layout is kept beside it as JSON so versions can
// be listed without decoding the model.
type Version struct {
	VersionID   string
	ParentID    string
	Blob        []byte
	Layout      ftr.Spaces
	CreatedAt   time.Time
	MetricsJSON string
}

// Summary is the metrics_json document written with each snapshot.
type Summary struct {
	States   int   `json:"states"`
	Nodes    int   `json:"nodes"`
	Levels   int   `json:"levels"`
	LastTm   int64 `json:"last_tm"`
	BlobSize int   `json:"blob_size"`
}

// #endregion version

// ErrNoActive is returned by GetCurrent before the first commit.
var ErrNoActive = errors.New("store: no active model")
