// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/lemon4ksan/ziparchive"
)

type zipFlags struct {
	recursive  bool
	password   string
	aes        bool
	level      string
	keepParent bool
	method     string
	comment    string
}

func (a *app) buildZipCommand() *cobra.Command {
	var f zipFlags

	cmd := &cobra.Command{
		Use:   "zip [flags] archive.zip path...",
		Short: "Create an archive from files and directories",
		Long: `Creates a new archive. Files are stored under their base name and
directories (with -r) are walked in lexical order. Empty directories are
kept as directory entries.

Examples:
  ziparchive zip out.zip notes.txt todo.txt
  ziparchive zip -r --keep-parent out.zip ./project
  ziparchive zip -r --password secret --aes=false legacy.zip ./docs
  ziparchive zip -r --method zstd --level slowest out.zip ./logs`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runZip(cmd, f, args[0], args[1:])
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&f.recursive, "recursive", "r", false, "Recurse into directories")
	flags.StringVarP(&f.password, "password", "P", "", "Encrypt entries with this password")
	flags.BoolVar(&f.aes, "aes", true, "Use WinZip AES-256 instead of ZipCrypto")
	flags.StringVarP(&f.level, "level", "l", "", "Compression level: fastest, fast, default, slow, slowest or 0-9")
	flags.BoolVar(&f.keepParent, "keep-parent", false, "Store directory contents under the directory name")
	flags.StringVar(&f.method, "method", "deflate", "Compression method: deflate or zstd")
	flags.StringVar(&f.comment, "comment", "", "Archive comment")
	return cmd
}

func (a *app) runZip(cmd *cobra.Command, f zipFlags, out string, inputs []string) error {
	flags := cmd.Flags()
	if flags.Changed("level") {
		a.cfg.CompressionLevel = f.level
	}
	if flags.Changed("aes") {
		a.cfg.UseAES = f.aes
	}
	if flags.Changed("keep-parent") {
		a.cfg.KeepParentDirectory = f.keepParent
	}

	if !f.recursive {
		for _, input := range inputs {
			if info, err := os.Stat(input); err == nil && info.IsDir() {
				return fmt.Errorf("%s is a directory (use -r)", input)
			}
		}
	}

	opts := ziparchive.DefaultArchiveOptions()
	opts.Password = f.password
	opts.UseAES = a.cfg.UseAES
	opts.CompressionLevel = a.cfg.Level()
	opts.KeepParentDirectory = a.cfg.KeepParentDirectory
	opts.Comment = f.comment
	opts.Logger = a.logger

	switch f.method {
	case "deflate":
	case "zstd":
		opts.EntryOptions = append(opts.EntryOptions, ziparchive.WithCompression(ziparchive.ZStandard, opts.CompressionLevel))
	default:
		return fmt.Errorf("unknown compression method %q", f.method)
	}

	start := time.Now()
	if err := ziparchive.CreateArchive(cmd.Context(), out, inputs, opts); err != nil {
		return err
	}

	info, err := os.Stat(out)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s (%s) in %v\n",
		out, units.HumanSize(float64(info.Size())), time.Since(start).Round(time.Millisecond))
	return nil
}

type unzipFlags struct {
	password  string
	overwrite bool
	preserve  bool
	progress  bool
}

func (a *app) buildUnzipCommand() *cobra.Command {
	var f unzipFlags

	cmd := &cobra.Command{
		Use:   "unzip [flags] archive.zip destination",
		Short: "Extract an archive into a directory",
		Long: `Extracts every entry below the destination directory. Entries whose
names would escape the destination are refused. Existing files are left
untouched unless --overwrite is given; they are listed as conflicts.

Examples:
  ziparchive unzip backup.zip ./restore
  ziparchive unzip --password secret --overwrite backup.zip ./restore`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runUnzip(cmd, f, args[0], args[1])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.password, "password", "P", "", "Password for encrypted entries")
	flags.BoolVarP(&f.overwrite, "overwrite", "o", false, "Replace existing files")
	flags.BoolVar(&f.preserve, "preserve", true, "Restore permissions and modification times")
	flags.BoolVar(&f.progress, "progress", false, "Print progress to stderr")
	return cmd
}

func (a *app) runUnzip(cmd *cobra.Command, f unzipFlags, archive, dest string) error {
	flags := cmd.Flags()
	if flags.Changed("overwrite") {
		a.cfg.Overwrite = f.overwrite
	}
	if flags.Changed("preserve") {
		a.cfg.PreserveAttributes = f.preserve
	}
	bufferSize, err := a.cfg.BufferBytes()
	if err != nil {
		return err
	}

	opts := ziparchive.UnzipOptions{
		Overwrite:          a.cfg.Overwrite,
		Password:           f.password,
		PreserveAttributes: a.cfg.PreserveAttributes,
		Logger:             a.logger,
		BufferSize:         bufferSize,
	}
	if f.progress {
		opts.Delegate = &ziparchive.Delegate{Progress: progressPrinter(cmd.ErrOrStderr())}
	}

	res, err := ziparchive.Unzip(cmd.Context(), archive, dest, opts)
	if res != nil {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "=== Summary ===")
		fmt.Fprintf(out, "Extracted:  %d\n", len(res.Extracted))
		fmt.Fprintf(out, "Skipped:    %d\n", len(res.Skipped))
		fmt.Fprintf(out, "Conflicts:  %d\n", len(res.Conflicts))
		fmt.Fprintf(out, "Failures:   %d\n", len(res.Failures))
	}
	return err
}

// progressPrinter reports whole percentages, each one once.
func progressPrinter(w io.Writer) ziparchive.ProgressFunc {
	last := -1
	return func(loaded, total int64) bool {
		percent := 100
		if total > 0 {
			percent = int(loaded * 100 / total)
		}
		if percent != last {
			last = percent
			fmt.Fprintf(w, "\r%3d%% %s / %s", percent, units.HumanSize(float64(loaded)), units.HumanSize(float64(total)))
			if percent == 100 {
				fmt.Fprintln(w)
			}
		}
		return true
	}
}

func (a *app) buildCheckCommand() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "check [flags] archive.zip",
		Short: "Report whether an archive is encrypted and validate a password",
		Long: `Reads only the central directory and the encryption header of the
first encrypted entry. Nothing is extracted.

Examples:
  ziparchive check backup.zip
  ziparchive check --password secret backup.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			protected, err := ziparchive.IsPasswordProtected(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Password protected: %s\n", yesNo(protected))

			if !cmd.Flags().Changed("password") {
				return nil
			}
			valid, err := ziparchive.IsPasswordValid(args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Password valid:     %s\n", yesNo(valid))
			if !valid {
				return ziparchive.ErrWrongPassword
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&password, "password", "P", "", "Password to validate")
	return cmd
}

func (a *app) buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list archive.zip",
		Short: "List the entries of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := ziparchive.OpenReaderContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer r.Close()
			return listEntries(cmd.OutOrStdout(), r)
		},
	}
}

func listEntries(w io.Writer, r *ziparchive.Reader) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tPACKED\tMETHOD\tENCRYPTION\tDESCRIPTOR\tMODIFIED\tNAME")

	var total int64
	for _, f := range r.All() {
		name := f.Name()
		if f.IsDir() {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			units.HumanSize(float64(f.UncompressedSize())),
			units.HumanSize(float64(f.CompressedSize())),
			f.Method(),
			f.Encryption(),
			yesNo(f.HasDataDescriptor()),
			f.ModTime().Local().Format(time.DateTime),
			name,
		)
		total += f.UncompressedSize()
	}
	fmt.Fprintf(tw, "%s\t\t\t\t\t\t%d entries\n", units.HumanSize(float64(total)), r.Len())
	if c := r.Comment(); c != "" {
		fmt.Fprintf(tw, "\t\t\t\t\t\tcomment: %s\n", c)
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
