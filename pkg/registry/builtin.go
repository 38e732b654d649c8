package registry

import "time"

var (
	sessionSig = []ArgRole{OutBuffer}
	loadSig    = []ArgRole{Opaque, InBuffer, InLength, OutBuffer, OutLength}
	deriveSig  = []ArgRole{Opaque, InBuffer, InLength, OutBuffer, OutLength}
	genericSig = []ArgRole{Opaque, InBuffer, InLength, Opaque, Opaque, OutBuffer}
)

func widevineFunctions() []FunctionSpec {
	return []FunctionSpec{
		{Name: "OEMCrypto_OpenSession", Role: RoleOpenSession, Signature: sessionSig, OutSize: 4},
		{Name: "OEMCrypto_LoadKeys", Role: RoleSetKeys, Signature: loadSig},
		{Name: "OEMCrypto_DeriveKeysFromSessionKey", Role: RoleDeriveKeys, Signature: deriveSig},
		{Name: "OEMCrypto_Generic_Decrypt", Role: RoleGenericCrypto, Signature: genericSig, OutSize: 64},
	}
}

func widevineCapture() CapturePolicy {
	return CapturePolicy{
		Required: []Role{RoleOpenSession, RoleSetKeys},
		Window:   2 * time.Second,
	}
}

// Builtin returns the registry of known Widevine service generations.
func Builtin() *Registry {
	r, err := New(BuiltinProfiles()...)
	if err != nil {
		panic(err) // builtin table is static
	}
	return r
}

// BuiltinProfiles returns the builtin profile table, newest service generation first.
func BuiltinProfiles() []Profile {
	return []Profile{
		{
			Name:      "widevine-aidl",
			Package:   "android.hardware.drm-service.widevine",
			Process:   "android.hardware.drm-service.widevine",
			Library:   "libwvaidl.so",
			SDK:       ">= 33",
			Priority:  50,
			Functions: widevineFunctions(),
			Capture:   widevineCapture(),
		},
		{
			Name:      "widevine-hidl-1.4",
			Package:   "android.hardware.drm@1.4-service.widevine",
			Process:   "android.hardware.drm@1.4-service.widevine",
			Library:   "libwvhidl.so",
			SDK:       ">= 30",
			Priority:  40,
			Functions: widevineFunctions(),
			Capture:   widevineCapture(),
		},
		{
			Name:      "widevine-hidl-1.3",
			Package:   "android.hardware.drm@1.3-service.widevine",
			Process:   "android.hardware.drm@1.3-service.widevine",
			Library:   "libwvhidl.so",
			SDK:       ">= 29",
			Priority:  30,
			Functions: widevineFunctions(),
			Capture:   widevineCapture(),
		},
		{
			Name:      "widevine-hidl-1.2",
			Package:   "android.hardware.drm@1.2-service.widevine",
			Process:   "android.hardware.drm@1.2-service.widevine",
			Library:   "libwvhidl.so",
			SDK:       ">= 28",
			Priority:  20,
			Functions: widevineFunctions(),
			Capture:   widevineCapture(),
		},
		{
			Name:      "widevine-hidl-1.1",
			Package:   "android.hardware.drm@1.1-service.widevine",
			Process:   "android.hardware.drm@1.1-service.widevine",
			Library:   "libwvhidl.so",
			SDK:       ">= 28",
			Priority:  15,
			Functions: widevineFunctions(),
			Capture:   widevineCapture(),
		},
		{
			Name:      "widevine-hidl-1.0",
			Package:   "android.hardware.drm@1.0-service.widevine",
			Process:   "android.hardware.drm@1.0-service.widevine",
			Library:   "libwvhidl.so",
			SDK:       ">= 26",
			Priority:  10,
			Functions: widevineFunctions(),
			Capture:   widevineCapture(),
		},
		{
			Name:      "mediadrmserver",
			Package:   "mediadrmserver",
			Process:   "mediadrmserver",
			Library:   "libwvdrmengine.so",
			SDK:       "< 26",
			Functions: widevineFunctions(),
			Capture:   widevineCapture(),
		},
	}
}
