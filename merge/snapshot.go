package merge

import (
	"github.com/golang/glog"

	"collabboard/entity"
	"collabboard/metrics"
	"collabboard/remote"
)

// Decode turns a remote snapshot into entities. Documents that fail to
// decode are logged and left out so one bad entity never stalls the pass.
func Decode(docs []remote.Doc) []entity.Entity {
	out := make([]entity.Entity, 0, len(docs))
	for _, d := range docs {
		e, err := entity.Decode(d.ID, d.Fields)
		if err != nil {
			glog.Warningf("[merge]skipping document: %v", err)
			metrics.SkippedDocs.Inc()
			continue
		}
		out = append(out, e)
	}
	return out
}

// ReconcileDocs decodes a remote snapshot and reconciles against it.
func (m *Engine) ReconcileDocs(docs []remote.Doc) []string {
	return m.Reconcile(Decode(docs))
}
