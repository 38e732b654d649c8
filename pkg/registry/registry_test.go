package registry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinResolve(t *testing.T) {
	r := Builtin()

	p, err := r.Resolve("android.hardware.drm@1.4-service.widevine")
	require.NoError(t, err)
	assert.Equal(t, "libwvhidl.so", p.Library)
	assert.Equal(t, 2*time.Second, p.Capture.Window)

	p, err = r.Resolve("widevine-aidl")
	require.NoError(t, err)
	assert.Equal(t, "libwvaidl.so", p.Library)

	_, err = r.Resolve("com.example.nodrm")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestResolveReturnsCopy(t *testing.T) {
	r := Builtin()
	p, err := r.Resolve("mediadrmserver")
	require.NoError(t, err)
	p.Functions[0].Name = "mutated"
	p.Functions[0].Signature[0] = Opaque

	again, err := r.Resolve("mediadrmserver")
	require.NoError(t, err)
	assert.Equal(t, "OEMCrypto_OpenSession", again.Functions[0].Name)
	assert.Equal(t, OutBuffer, again.Functions[0].Signature[0])
}

func TestDetect(t *testing.T) {
	r := Builtin()
	tests := []struct {
		name      string
		processes map[string]int
		sdk       string
		want      string
		wantErr   bool
	}{
		{
			name:      "aidl service",
			processes: map[string]int{"android.hardware.drm-service.widevine": 812, "surfaceflinger": 500},
			sdk:       "34",
			want:      "widevine-aidl",
		},
		{
			name: "two hidl services prefer priority",
			processes: map[string]int{
				"android.hardware.drm@1.2-service.widevine": 700,
				"android.hardware.drm@1.4-service.widevine": 701,
			},
			sdk:  "31",
			want: "widevine-hidl-1.4",
		},
		{
			name:      "sdk mismatch",
			processes: map[string]int{"android.hardware.drm-service.widevine": 812},
			sdk:       "30",
			wantErr:   true,
		},
		{
			name:      "unknown sdk matches",
			processes: map[string]int{"mediadrmserver": 300},
			want:      "mediadrmserver",
		},
		{
			name:      "nothing running",
			processes: map[string]int{"zygote64": 1},
			sdk:       "34",
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Detect(tt.processes, tt.sdk)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestDefault(t *testing.T) {
	r := Builtin()
	p, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "widevine-aidl", p.Name)

	require.NoError(t, r.SetDefault("mediadrmserver"))
	p, err = r.Default()
	require.NoError(t, err)
	assert.Equal(t, "mediadrmserver", p.Name)

	empty, err := New()
	require.NoError(t, err)
	_, err = empty.Default()
	assert.ErrorIs(t, err, ErrNotFound)
}

const profilesYAML = `
default: acme
profiles:
  - name: acme
    package: com.acme.drm
    process: acme-drm-service
    library: libacmedrm.so
    sdk: ">= 31"
    functions:
      - name: acme_open
        role: open_session
        signature: [out_buffer]
        out_size: 4
      - name: acme_set_keys
        role: SetKeys
        signature: [opaque, in_buffer, in_length, out_buffer, out_length]
        patterns:
          - "FF 43 01 D1 ?? ?? ?? A9"
    capture:
      required: [open_session, set_keys]
      window: 500ms
`

func TestLoad(t *testing.T) {
	r := Builtin()
	require.NoError(t, r.Load(strings.NewReader(profilesYAML)))

	p, err := r.Resolve("com.acme.drm")
	require.NoError(t, err)
	assert.Equal(t, "libacmedrm.so", p.Library)
	assert.Equal(t, 500*time.Millisecond, p.Capture.Window)
	assert.Equal(t, []Role{RoleOpenSession, RoleSetKeys}, p.Capture.Required)

	fn, ok := p.Function("acme_set_keys")
	require.True(t, ok)
	assert.Equal(t, RoleSetKeys, fn.Role)
	assert.Equal(t, []Pair{{Buffer: 3, Length: 4}}, fn.OutputPairs())
	assert.Equal(t, []Pair{{Buffer: 1, Length: 2}}, fn.InputPairs())

	def, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "acme", def.Name)

	assert.Error(t, r.Load(strings.NewReader(profilesYAML)), "duplicate package must be rejected")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		wantErr string
	}{
		{
			name: "output role without out buffer",
			profile: Profile{
				Package: "x", Process: "x", Library: "x.so",
				Functions: []FunctionSpec{{Name: "f", Role: RoleSetKeys, Signature: []ArgRole{InBuffer, InLength}}},
			},
			wantErr: "requires at least one out_buffer",
		},
		{
			name: "required role missing",
			profile: Profile{
				Package: "x", Process: "x", Library: "x.so",
				Functions: []FunctionSpec{{Name: "f", Role: RoleSetKeys, Signature: []ArgRole{OutBuffer}}},
			},
			wantErr: "capture requires role open_session",
		},
		{
			name: "bad sdk",
			profile: Profile{
				Package: "x", Process: "x", Library: "x.so", SDK: "newest",
				Functions: []FunctionSpec{{Name: "f", Role: RoleSetKeys, Signature: []ArgRole{OutBuffer}}},
				Capture:   CapturePolicy{Required: []Role{RoleSetKeys}},
			},
			wantErr: "invalid sdk constraint",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOutputPairs(t *testing.T) {
	fn := FunctionSpec{Signature: []ArgRole{OutBuffer, OutBuffer, OutLength, Opaque, OutLength}}
	assert.Equal(t, []Pair{{Buffer: 0, Length: -1}, {Buffer: 1, Length: 2}}, fn.OutputPairs())
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"open_session":   RoleOpenSession,
		"OpenSession":    RoleOpenSession,
		"set-keys":       RoleSetKeys,
		"DeriveKeys":     RoleDeriveKeys,
		"generic_crypto": RoleGenericCrypto,
	} {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRole("teleport")
	assert.Error(t, err)
}

func TestFunctionSpecJSON(t *testing.T) {
	fn := FunctionSpec{Name: "SetKeys", Role: RoleSetKeys, Signature: []ArgRole{Opaque, OutBuffer, OutLength}}
	data, err := json.Marshal(fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"SetKeys","role":"set_keys","signature":["opaque","out_buffer","out_length"]}`, string(data))
}
