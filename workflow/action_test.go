package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeToolResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]interface{}
		success bool
		errMsg  string
		value   interface{}
	}{
		{name: "explicit success", raw: map[string]interface{}{"success": true, "id": "abc"}, success: true, value: "abc"},
		{name: "implicit success", raw: map[string]interface{}{"id": "abc"}, success: true, value: "abc"},
		{name: "reported failure", raw: map[string]interface{}{"success": false, "error": "quota"}, errMsg: "quota"},
		{name: "error without flag", raw: map[string]interface{}{"error": "down"}, errMsg: "down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := DecodeToolResult(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.errMsg, res.Error)
			if tt.value != nil {
				assert.Equal(t, tt.value, res.Value("id"))
			}
		})
	}

	res, err := DecodeToolResult(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, res.Value("missing"))

	_, err = DecodeToolResult(map[string]interface{}{"success": []int{1}})
	assert.Error(t, err)
}

func TestMethodSet(t *testing.T) {
	tool := MethodSet{
		"echo": func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": args["msg"]}, nil
		},
	}
	out, err := tool.Invoke(context.Background(), "echo", map[string]interface{}{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])

	_, err = tool.Invoke(context.Background(), "shout", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestToolRegistry(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register("mailer", ToolFunc(func(ctx context.Context, method string, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})))
	require.NoError(t, reg.Register("billing", MethodSet{}))
	assert.Error(t, reg.Register("", MethodSet{}))
	assert.Error(t, reg.Register("x", nil))

	_, ok := reg.Get("mailer")
	assert.True(t, ok)
	_, ok = reg.Get("nope")
	assert.False(t, ok)
	assert.Equal(t, []string{"billing", "mailer"}, reg.Names())
}
