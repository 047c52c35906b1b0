//go:build devassert

package ownership

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"replicore/internal/net/proto"
)

func TestViewConflictPanicsInDevBuilds(t *testing.T) {
	view := NewView("C", nil, nil)
	view.Apply(proto.OwnershipChanged{Entity: "e1", New: "A", Epoch: 4})
	assert.Panics(t, func() {
		view.Apply(proto.OwnershipChanged{Entity: "e1", New: "B", Epoch: 4})
	})
}
