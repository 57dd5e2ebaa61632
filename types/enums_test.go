package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMenuText(t *testing.T) {
	var v struct {
		Menus []Menu `json:"menus"`
		Pick  Menu   `json:"pick"`
	}
	v.Menus = []Menu{MenuSubmit, MenuReSubmit, MenuFlowImage}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"menus":["submit","resubmit","flowimage"],"pick":""}`, string(data))

	require.NoError(t, json.Unmarshal([]byte(`{"menus":["agree","back"],"pick":"stop"}`), &v))
	assert.Equal(t, []Menu{MenuAgree, MenuBack}, v.Menus)
	assert.Equal(t, MenuStop, v.Pick)

	assert.Error(t, json.Unmarshal([]byte(`{"pick":"approve"}`), &v))

	for m := range menuNames {
		got, ok := ParseMenu(m.String())
		assert.True(t, ok)
		assert.Equal(t, m, got)
	}
	assert.Equal(t, "unknown", Menu(42).String())
}
