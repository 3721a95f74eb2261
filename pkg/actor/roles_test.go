package actor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/pkg/runstate"
)

func TestRoleTable(t *testing.T) {
	temps := map[Role]float32{
		RolePlanner:    0.3,
		RoleArchitect:  0.4,
		RoleCoder:      0.2,
		RoleTestAuthor: 0.3,
		RoleDebugger:   0.3,
		RoleVerifier:   0.0,
	}
	for _, role := range Roles() {
		assert.True(t, role.Valid())
		assert.InDelta(t, temps[role], role.Temperature(), 1e-6, role)

		back, ok := ForPhase(role.Phase())
		require.True(t, ok)
		assert.Equal(t, role, back)
	}
	assert.False(t, Role("janitor").Valid())

	_, ok := ForPhase(runstate.PhaseTesting)
	assert.False(t, ok)
}

func TestFileEditValidate(t *testing.T) {
	tests := []struct {
		name    string
		edit    FileEdit
		wantErr bool
	}{
		{"create", FileEdit{Path: "app/main.py", Mode: ModeCreate, Content: "x"}, false},
		{"replace empty content", FileEdit{Path: "README.md", Mode: ModeReplace}, false},
		{"delete", FileEdit{Path: "old.txt", Mode: ModeDelete}, false},
		{"absolute", FileEdit{Path: "/etc/passwd", Mode: ModeReplace}, true},
		{"traversal", FileEdit{Path: "../outside.go", Mode: ModeCreate}, true},
		{"hidden traversal", FileEdit{Path: "a/../../b", Mode: ModeCreate}, true},
		{"empty path", FileEdit{Path: " ", Mode: ModeCreate}, true},
		{"dot", FileEdit{Path: ".", Mode: ModeCreate}, true},
		{"unknown mode", FileEdit{Path: "a.go", Mode: "append"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.edit.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	t.Run("plan", func(t *testing.T) {
		p, err := decodePayload(RolePlanner, []byte(`{"plan":"build it","milestones":["a","b"],"confidence":85}`))
		require.NoError(t, err)
		assert.Equal(t, 85, p.Score())
		assert.Equal(t, "2 milestones, 0 acceptance tests", p.Summary())
	})

	t.Run("missing confidence", func(t *testing.T) {
		_, err := decodePayload(RolePlanner, []byte(`{"plan":"build it"}`))
		assert.ErrorContains(t, err, "confidence is required")
	})

	t.Run("fractional confidence", func(t *testing.T) {
		_, err := decodePayload(RolePlanner, []byte(`{"plan":"x","confidence":80.5}`))
		assert.Error(t, err)
	})

	t.Run("confidence out of range", func(t *testing.T) {
		_, err := decodePayload(RoleCoder, []byte(`{"files":[{"path":"a.py","mode":"create","content":"x"}],"confidence":140}`))
		assert.ErrorContains(t, err, "outside 0..100")
	})

	t.Run("coder needs files", func(t *testing.T) {
		_, err := decodePayload(RoleCoder, []byte(`{"summary":"nothing","files":[],"confidence":50}`))
		assert.ErrorContains(t, err, "at least one file edit")
	})

	t.Run("architect", func(t *testing.T) {
		p, err := decodePayload(RoleArchitect, []byte(`{"pattern":"layered","components":[{"name":"api"}],"confidence":70}`))
		require.NoError(t, err)
		assert.Equal(t, "layered with 1 components", p.Summary())
		assert.Empty(t, p.(Editor).Edits())
	})

	t.Run("test author keeps command", func(t *testing.T) {
		p, err := decodePayload(RoleTestAuthor, []byte(`{"files":[{"path":"test_a.py","mode":"create","content":"x"}],"test_command":"pytest -q","confidence":60}`))
		require.NoError(t, err)
		assert.Equal(t, "pytest -q", p.(*TestPayload).TestCommand)
	})

	t.Run("debugger needs diagnosis", func(t *testing.T) {
		_, err := decodePayload(RoleDebugger, []byte(`{"files":[{"path":"a.py","mode":"replace","content":"x"}],"confidence":60}`))
		assert.ErrorContains(t, err, "diagnosis")
	})

	t.Run("verifier", func(t *testing.T) {
		p, err := decodePayload(RoleVerifier, []byte(`{"complete":false,"reasoning":"gaps","missing_requirements":["auth"],"quality_issues":["no docs"],"confidence":40}`))
		require.NoError(t, err)
		v := p.(*VerifyPayload)
		assert.False(t, v.Approved())
		assert.Equal(t, []string{"missing: auth", "quality: no docs"}, v.Findings())
		assert.Equal(t, "incomplete: gaps", v.Summary())
	})

	t.Run("verifier needs verdict", func(t *testing.T) {
		_, err := decodePayload(RoleVerifier, []byte(`{"confidence":90}`))
		assert.ErrorContains(t, err, "complete is required")
	})
}
