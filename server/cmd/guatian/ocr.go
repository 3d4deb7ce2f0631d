package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gua-tian/server/internal/ocr"
)

func newOCRCmd(g *globals) *cobra.Command {
	var existing string

	cmd := &cobra.Command{
		Use:   "ocr <image>...",
		Short: "Recognize images and print the merged text",
		Long:  "Recognize up to 9 images in order and append the text to --existing. Extra images are ignored.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			images := make([]ocr.Image, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				img, err := ocr.NewImage(filepath.Base(path), data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				images = append(images, img)
			}

			batch := ocr.NewBatch(images...)
			if batch.Dropped() > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "only the first %d images are recognized, %d ignored\n", ocr.MaxBatchSize, batch.Dropped())
			}

			pipeline := ocr.NewPipeline(newEngine(g.cfg),
				ocr.WithScript(ocr.Script(g.cfg.OCR.Script)),
				ocr.WithLogger(g.log),
				ocr.WithProgress(func(percent int) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\r识别中 %3d%%", percent)
				}),
			)
			text, err := pipeline.Run(cmd.Context(), batch, existing)
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&existing, "existing", "e", "", "Existing text to append recognized text to")
	return cmd
}
