package intel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintNormalization(t *testing.T) {
	t.Parallel()

	base := Fingerprint("https://a.example/x", "Event X")

	require.Equal(t, base, Fingerprint("HTTPS://A.EXAMPLE/X", "event x"))
	require.Equal(t, base, Fingerprint("https://a.example/x", "  Event \t X  "))
	require.NotEqual(t, base, Fingerprint("https://a.example/y", "Event X"))
	require.NotEqual(t, base, Fingerprint("https://a.example/x", "Event Y"))
	require.Len(t, base, 64)
}

func TestFingerprintFieldBoundary(t *testing.T) {
	t.Parallel()

	// URL and title must not bleed into one another.
	require.NotEqual(t,
		Fingerprint("https://a.example/x extra", "title"),
		Fingerprint("https://a.example/x", "extra title"),
	)
}
