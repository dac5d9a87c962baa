package connregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type conn struct {
	id int
}

func TestInsertReusesLowestVacantIndex(t *testing.T) {
	reg := New[conn]()
	id0 := reg.Insert(&conn{id: 1})
	id1 := reg.Insert(&conn{id: 2})
	id2 := reg.Insert(&conn{id: 3})
	assert.Equal(t, []int{0, 1, 2}, []int{id0, id1, id2})

	reg.Delete(id1)
	reused := reg.Insert(&conn{id: 4})
	assert.Equal(t, id1, reused)

	appended := reg.Insert(&conn{id: 5})
	assert.Equal(t, 3, appended)
}

func TestGetAndDelete(t *testing.T) {
	reg := New[conn]()
	id := reg.Insert(&conn{id: 42})
	assert.Equal(t, 42, reg.Get(id).id)

	reg.Delete(id)
	assert.Nil(t, reg.Get(id))
}

func TestGetOutOfRange(t *testing.T) {
	reg := New[conn]()
	assert.Nil(t, reg.Get(0))
	assert.Nil(t, reg.Get(-1))
}
