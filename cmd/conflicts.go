package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/mergeconflict"
)

// cliSizeCap is the largest file the offline commands will touch.
const cliSizeCap = 64 << 20

// localFile opens the file at name through a file service rooted at its
// directory, so the CLI reads and writes with the same version checks as the
// host.
func localFile(name string) (*fileservice.Local, string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, "", err
	}
	return fileservice.NewLocal(filepath.Dir(abs), cliSizeCap, nil), filepath.Base(abs), nil
}

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <file>",
		Short: "List the merge conflict regions in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, rel, err := localFile(args[0])
			if err != nil {
				return err
			}
			res, err := svc.Read(cmd.Context(), rel)
			if err != nil {
				return err
			}
			if res.Encoding != fileservice.EncodingUTF8 {
				return fmt.Errorf("%s is binary", args[0])
			}
			writeRegions(cmd.OutOrStdout(), args[0], mergeconflict.Parse(res.Content))
			return nil
		},
	}
}

func writeRegions(w io.Writer, name string, regions []mergeconflict.Region) {
	if len(regions) == 0 {
		fmt.Fprintf(w, "%s: no merge conflicts\n", name)
		return
	}
	fmt.Fprintf(w, "%s: %d merge conflict(s)\n", name, len(regions))
	for i, r := range regions {
		ancestor := ""
		if r.HasAncestor() {
			ancestor = " (with ancestor)"
		}
		fmt.Fprintf(w, "  %d: lines %d-%d  %s <> %s%s\n",
			i+1, r.Start+1, r.End+1, orDash(r.CurrentLabel), orDash(r.IncomingLabel), ancestor)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newResolveCmd() *cobra.Command {
	var (
		choice string
		region int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "resolve <file>",
		Short: "Resolve merge conflicts in a file",
		Long: `Resolve merge conflicts by keeping the current side, the incoming side,
or both. Without --region every region is resolved. The file is only written
if it has not changed since it was read.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := mergeconflict.ParseChoice(choice)
			if err != nil {
				return err
			}
			return resolveFile(cmd.Context(), cmd.OutOrStdout(), args[0], c, region, dryRun)
		},
	}
	cmd.Flags().StringVar(&choice, "choice", "", "current, incoming or both")
	cmd.Flags().IntVar(&region, "region", 0, "resolve only this region (1-based, as listed by conflicts)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the result instead of writing it")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func resolveFile(ctx context.Context, out io.Writer, name string, choice mergeconflict.Choice, region int, dryRun bool) error {
	svc, rel, err := localFile(name)
	if err != nil {
		return err
	}
	res, err := svc.Read(ctx, rel)
	if err != nil {
		return err
	}
	if res.Encoding != fileservice.EncodingUTF8 {
		return fmt.Errorf("%s is binary", name)
	}

	count := len(mergeconflict.Parse(res.Content))
	if count == 0 {
		fmt.Fprintf(out, "%s: no merge conflicts\n", name)
		return nil
	}

	var resolved string
	if region > 0 {
		resolved, err = mergeconflict.ResolveAt(res.Content, region-1, choice)
	} else {
		resolved, err = mergeconflict.ResolveAll(res.Content, choice)
	}
	if err != nil {
		return err
	}

	if dryRun {
		fmt.Fprint(out, resolved)
		return nil
	}
	if _, err := svc.Write(ctx, rel, resolved, fileservice.EncodingUTF8, res.Token); err != nil {
		if conflict, ok := fileservice.AsConflict(err); ok {
			return fmt.Errorf("%s changed while resolving (%s); nothing written", name, conflict.Reason)
		}
		return err
	}

	left := len(mergeconflict.Parse(resolved))
	fmt.Fprintf(out, "%s: resolved %d of %d region(s) with %s\n", name, count-left, count, choice)
	return nil
}
