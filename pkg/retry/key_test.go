package retry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	v, ok := None.Value()
	assert.False(t, ok)
	assert.Empty(t, v)
	assert.True(t, None.IsNone())
	assert.Equal(t, "<none>", None.String())

	v, ok = Some("").Value()
	assert.True(t, ok)
	assert.Empty(t, v)
	assert.NotEqual(t, None, Some(""))
	assert.Equal(t, Some("a"), Some("a"))
}

func TestID_JSON(t *testing.T) {
	type payload struct {
		Package ID `json:"package"`
		Payload ID `json:"payload"`
	}

	b, err := json.Marshal(payload{Package: Some("pkgA")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"package":"pkgA","payload":null}`, string(b))

	var got payload
	require.NoError(t, json.Unmarshal([]byte(`{"package":null,"payload":""}`), &got))
	assert.Equal(t, None, got.Package)
	assert.Equal(t, Some(""), got.Payload)

	assert.Error(t, json.Unmarshal([]byte(`{"package":1}`), &got))
}

func TestKindAndDecisionStrings(t *testing.T) {
	for _, k := range []Kind{Cache, Execute} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("download")
	assert.Error(t, err)
	assert.Equal(t, "kind(7)", Kind(7).String())

	for _, d := range []Decision{Retry, NoAction} {
		parsed, err := ParseDecision(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
	_, err = ParseDecision("maybe")
	assert.Error(t, err)
}

func TestKey_String(t *testing.T) {
	k := Key{Kind: Cache, Package: Some("pkg"), Payload: Some("a.cab")}
	assert.Equal(t, "cache/pkg/a.cab", k.String())
	assert.Equal(t, "execute/<none>/<none>", Key{Kind: Execute}.String())
}

func TestEntry_JSON(t *testing.T) {
	e := Entry{
		Key:   Key{Kind: Execute, Package: Some("pkg")},
		State: State{Attempts: 2, LastError: 32},
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"key":{"kind":"execute","package":"pkg","payload":null},"state":{"attempts":2,"last_error":32}}`,
		string(b))

	var got Entry
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, e, got)

	var d Decision
	require.NoError(t, json.Unmarshal([]byte(`"retry"`), &d))
	assert.Equal(t, Retry, d)
	assert.Error(t, json.Unmarshal([]byte(`"later"`), &d))
}
