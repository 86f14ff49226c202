package arch

import (
	"fmt"
	"sort"
	"strings"
)

// Architecture identifies a target instruction set using the names the build
// repositories use.
type Architecture string

const (
	X86_64      Architecture = "x86_64"
	I586        Architecture = "i586"
	AArch64     Architecture = "aarch64"
	ARMH        Architecture = "armh"
	PPC64LE     Architecture = "ppc64le"
	RISCV64     Architecture = "riscv64"
	LoongArch64 Architecture = "loongarch64"
	MIPSEL      Architecture = "mipsel"
	E2K         Architecture = "e2k"
	E2KV4       Architecture = "e2kv4"
)

// Supported returns the full list of known architectures.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		I586,
		AArch64,
		ARMH,
		PPC64LE,
		RISCV64,
		LoongArch64,
		MIPSEL,
		E2K,
		E2KV4,
	}
}

// IsValid reports whether a matches a known architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, I586, AArch64, ARMH, PPC64LE, RISCV64, LoongArch64, MIPSEL, E2K, E2KV4:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Native reports whether images for a can be executed on the build host
// without emulation. Only these architectures are eligible for container and
// VM based image tests.
func (a Architecture) Native() bool {
	return a == X86_64 || a == I586
}

// Parse returns the canonical Architecture for the provided string or an error
// if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture.
// Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(I586), "x86", "i386", "i486", "i686", "386":
		return I586
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMH), "arm", "armv7", "armv7l", "armhf":
		return ARMH
	case string(PPC64LE), "ppc64el", "powerpc64le":
		return PPC64LE
	case string(RISCV64):
		return RISCV64
	case string(LoongArch64), "loong64":
		return LoongArch64
	case string(MIPSEL):
		return MIPSEL
	case string(E2K):
		return E2K
	case string(E2KV4):
		return E2KV4
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
