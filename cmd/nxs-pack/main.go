// Command nxs-pack builds, signs and inspects system-set archives. A
// system-set is assembled from bundle directories, each holding a
// manifest.toml and a payload.bin.
package main

import (
	"archive/tar"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-nexus-os/nexus-core/internal/buildinfo"
	"github.com/open-nexus-os/nexus-core/nexus/bundle"
	"github.com/open-nexus-os/nexus-core/nexus/updates"
)

const (
	manifestName = "manifest.toml"
	payloadName  = "payload.bin"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nxs-pack",
		Short:         "system-set packing tool",
		Version:       buildinfo.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(keygenCmd(), packCmd(), verifyCmd(), inspectCmd())
	return cmd
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a publisher signing keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out+".pub", []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
				return err
			}
			if err := os.WriteFile(out+".key", []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s.pub and %s.key\n", out, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "publisher", "output path prefix")
	return cmd
}

func packCmd() *cobra.Command {
	var keyPath, out, sysVersion string
	cmd := &cobra.Command{
		Use:   "pack <bundle-dir>...",
		Short: "assemble and sign a system-set from bundle directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := loadPrivateKey(keyPath)
			if err != nil {
				return err
			}

			idx := updates.SystemSetIndex{
				SystemVersion:   sysVersion,
				TimestampUnixMs: uint64(time.Now().UnixMilli()),
			}
			copy(idx.Publisher[:], priv.Public().(ed25519.PublicKey))

			payloads := make(map[string][]byte, len(args))
			for _, dir := range args {
				m, payload, err := loadBundle(dir)
				if err != nil {
					return err
				}
				for _, w := range m.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", dir, w)
				}
				idx.Bundles = append(idx.Bundles, updates.BundleEntry{
					Name:    m.Name,
					Version: m.Version.String(),
				})
				payloads[m.Name] = payload
			}

			archive, err := updates.BuildSystemSet(idx, payloads, priv)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, archive, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bundles, %d bytes)\n",
				out, len(idx.Bundles), len(archive))
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyPath, "key", "k", "publisher.key", "signing key file")
	cmd.Flags().StringVarP(&out, "out", "o", "system.nxset", "output archive path")
	cmd.Flags().StringVar(&sysVersion, "system-version", "0.0.0", "system version recorded in the index")
	return cmd
}

func verifyCmd() *cobra.Command {
	var pubPath string
	cmd := &cobra.Command{
		Use:   "verify <archive>",
		Short: "verify a system-set against a publisher key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := loadPublicKey(pubPath)
			if err != nil {
				return err
			}
			archive, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			idx, payloads, err := updates.VerifySystemSet(archive, pub)
			if err != nil {
				return err
			}
			printIndex(cmd, idx)
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d payloads verified\n", len(payloads))
			return nil
		},
	}
	cmd.Flags().StringVarP(&pubPath, "pub", "p", "publisher.pub", "publisher public key file")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "print the index of a system-set without verifying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			idx, _, err := readIndexOnly(archive)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "UNVERIFIED index contents:")
			printIndex(cmd, idx)
			return nil
		},
	}
}

func printIndex(cmd *cobra.Command, idx *updates.SystemSetIndex) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "system version: %s\n", idx.SystemVersion)
	fmt.Fprintf(out, "publisher:      %s\n", hex.EncodeToString(idx.Publisher[:]))
	fmt.Fprintf(out, "timestamp:      %s\n",
		time.UnixMilli(int64(idx.TimestampUnixMs)).UTC().Format(time.RFC3339))
	for _, e := range idx.Bundles {
		fmt.Fprintf(out, "  %-24s %-12s %8d bytes  sha256:%s\n",
			e.Name, e.Version, e.PayloadSize, hex.EncodeToString(e.PayloadSHA256[:8]))
	}
}

// loadBundle parses a bundle directory into its manifest and payload.
func loadBundle(dir string) (*bundle.Manifest, []byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "bundle %q", dir)
	}
	m, err := bundle.Parse(raw)
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "bundle %q", dir)
	}
	payload, err := os.ReadFile(filepath.Join(dir, payloadName))
	if err != nil {
		return nil, nil, pkgerrors.Wrapf(err, "bundle %q", dir)
	}
	return m, payload, nil
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, pkgerrors.Errorf("key %q: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

func loadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, pkgerrors.Errorf("key %q: want %d bytes, got %d", path, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func readHexFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for len(raw) > 0 && (raw[len(raw)-1] == '\n' || raw[len(raw)-1] == '\r' || raw[len(raw)-1] == ' ') {
		raw = raw[:len(raw)-1]
	}
	out, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "key %q", path)
	}
	return out, nil
}

// readIndexOnly pulls the index member out of the archive without checking
// the signature. Display only.
func readIndexOnly(archive []byte) (*updates.SystemSetIndex, []byte, error) {
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, nil, updates.ErrMissingEntry
		}
		if err != nil {
			return nil, nil, updates.ErrArchiveMalformed
		}
		if hdr.Name != updates.IndexEntryName {
			continue
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, updates.ErrArchiveMalformed
		}
		idx, err := updates.DecodeIndex(raw)
		return idx, raw, err
	}
}
