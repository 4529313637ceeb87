package updates

import (
	"archive/tar"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func testSet(t *testing.T, priv ed25519.PrivateKey) ([]byte, map[string][]byte) {
	t.Helper()
	payloads := map[string][]byte{
		"core":  []byte("core payload bytes"),
		"shell": []byte("shell payload bytes"),
	}
	idx := SystemSetIndex{
		SystemVersion:   "1.4.0",
		TimestampUnixMs: 1_700_000_000_000,
		Bundles: []BundleEntry{
			{Name: "core", Version: "1.4.0"},
			{Name: "shell", Version: "0.9.2"},
		},
	}
	copy(idx.Publisher[:], priv.Public().(ed25519.PublicKey))
	archive, err := BuildSystemSet(idx, payloads, priv)
	require.NoError(t, err)
	return archive, payloads
}

func TestIndexRoundtrip(t *testing.T) {
	idx := SystemSetIndex{
		SystemVersion:   "2.0.0",
		TimestampUnixMs: 42,
		Bundles: []BundleEntry{
			{Name: "a", Version: "1.0.0", PayloadSize: 10},
		},
	}
	idx.Publisher[0] = 0xAB
	idx.Bundles[0].PayloadSHA256[5] = 0xCD

	got, err := DecodeIndex(idx.Encode())
	require.NoError(t, err)
	require.Equal(t, &idx, got)
}

func TestDecodeIndexRejectsGarbage(t *testing.T) {
	_, err := DecodeIndex([]byte("not an index"))
	require.ErrorIs(t, err, ErrInvalidIndex)

	idx := SystemSetIndex{SystemVersion: "1.0.0"}
	raw := idx.Encode()
	_, err = DecodeIndex(append(raw, 0x00))
	require.ErrorIs(t, err, ErrInvalidIndex)

	_, err = DecodeIndex(raw[:len(raw)-1])
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestVerifyRoundtrip(t *testing.T) {
	pub, priv := testKeys(t)
	archive, payloads := testSet(t, priv)

	idx, got, err := VerifySystemSet(archive, pub)
	require.NoError(t, err)
	require.Equal(t, "1.4.0", idx.SystemVersion)
	require.Len(t, idx.Bundles, 2)
	require.Equal(t, payloads["core"], got["core"])
	require.Equal(t, payloads["shell"], got["shell"])
}

func TestVerifyWrongKey(t *testing.T) {
	_, priv := testKeys(t)
	otherPub, _ := testKeys(t)
	archive, _ := testSet(t, priv)

	_, _, err := VerifySystemSet(archive, otherPub)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTamperedPayload(t *testing.T) {
	pub, priv := testKeys(t)
	archive, _ := testSet(t, priv)

	// Flip one byte inside a payload region without resigning.
	needle := []byte("core payload bytes")
	i := bytes.Index(archive, needle)
	require.Positive(t, i)
	archive[i] ^= 0xFF

	_, _, err := VerifySystemSet(archive, pub)
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestVerifyTamperedIndex(t *testing.T) {
	pub, priv := testKeys(t)
	archive, _ := testSet(t, priv)

	needle := []byte("1.4.0")
	i := bytes.Index(archive, needle)
	require.Positive(t, i)
	archive[i] = '9'

	_, _, err := VerifySystemSet(archive, pub)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMissingPayload(t *testing.T) {
	pub, priv := testKeys(t)

	idx := SystemSetIndex{SystemVersion: "1.0.0", Bundles: []BundleEntry{{Name: "core", Version: "1.0.0"}}}
	payloads := map[string][]byte{"core": []byte("x")}
	archive, err := BuildSystemSet(idx, payloads, priv)
	require.NoError(t, err)

	// Rebuild the tar without the payload member.
	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		if hdr.Name == "core"+PayloadSuffix {
			continue
		}
		data := make([]byte, hdr.Size)
		_, _ = tr.Read(data)
		require.NoError(t, tw.WriteHeader(hdr))
		_, _ = tw.Write(data)
	}
	require.NoError(t, tw.Close())

	_, _, err = VerifySystemSet(out.Bytes(), pub)
	require.ErrorIs(t, err, ErrMissingEntry)
}

func TestVerifyUnknownPayload(t *testing.T) {
	pub, priv := testKeys(t)
	archive, _ := testSet(t, priv)

	// Append an extra payload member not present in the index.
	var out bytes.Buffer
	out.Write(archive[:len(archive)-1024]) // strip tar end-of-archive blocks
	tw := tar.NewWriter(&out)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "rogue" + PayloadSuffix, Mode: 0o644, Size: 4}))
	_, _ = tw.Write([]byte("evil"))
	require.NoError(t, tw.Close())

	_, _, err := VerifySystemSet(out.Bytes(), pub)
	require.ErrorIs(t, err, ErrBundleUnknown)
}

func TestVerifyUnexpectedMember(t *testing.T) {
	pub, priv := testKeys(t)
	archive, _ := testSet(t, priv)

	var out bytes.Buffer
	out.Write(archive[:len(archive)-1024])
	tw := tar.NewWriter(&out)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "README.txt", Mode: 0o644, Size: 2}))
	_, _ = tw.Write([]byte("hi"))
	require.NoError(t, tw.Close())

	_, _, err := VerifySystemSet(out.Bytes(), pub)
	require.ErrorIs(t, err, ErrUnexpectedEntry)
}

func TestVerifyPathTraversal(t *testing.T) {
	pub, _ := testKeys(t)

	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../evil" + PayloadSuffix, Mode: 0o644, Size: 1}))
	_, _ = tw.Write([]byte("x"))
	require.NoError(t, tw.Close())

	_, _, err := VerifySystemSet(out.Bytes(), pub)
	require.ErrorIs(t, err, ErrArchiveMalformed)
}

func TestVerifyArchiveTooLarge(t *testing.T) {
	pub, _ := testKeys(t)

	_, _, err := VerifySystemSet(make([]byte, MaxArchiveBytes+1), pub)
	require.ErrorIs(t, err, ErrArchiveTooLarge)
}

func TestVerifyMissingSignature(t *testing.T) {
	pub, priv := testKeys(t)

	idx := SystemSetIndex{SystemVersion: "1.0.0"}
	archive, err := BuildSystemSet(idx, nil, priv)
	require.NoError(t, err)

	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		if hdr.Name == SignatureEntryName {
			continue
		}
		data := make([]byte, hdr.Size)
		_, _ = tr.Read(data)
		require.NoError(t, tw.WriteHeader(hdr))
		_, _ = tw.Write(data)
	}
	require.NoError(t, tw.Close())

	_, _, err = VerifySystemSet(out.Bytes(), pub)
	require.ErrorIs(t, err, ErrMissingEntry)
}
