package runner

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/moby/client"
)

// BuildImage builds an image from a local build context directory. The
// build runs synchronously; the caller blocks until the engine reports
// success or failure.
func (d *DockerRunner) BuildImage(ctx context.Context, image string, contextDir string) error {
	sourceTar, err := tarDirectory(contextDir)
	if err != nil {
		return fmt.Errorf("failed to prepare build context: %w", err)
	}

	buildOptions := client.ImageBuildOptions{
		Tags:        []string{image},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	}

	buildResp, err := d.cli.ImageBuild(ctx, bytes.NewReader(sourceTar), buildOptions)
	if err != nil {
		return fmt.Errorf("failed to build image: %w", err)
	}
	defer buildResp.Body.Close()

	decoder := json.NewDecoder(buildResp.Body)
	for {
		var message struct {
			Stream string `json:"stream,omitempty"`
			Error  string `json:"error,omitempty"`
		}

		if err := decoder.Decode(&message); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("failed to decode build output: %w", err)
		}

		if message.Error != "" {
			return fmt.Errorf("image build failed: %s", message.Error)
		}
		if message.Stream != "" {
			d.logger.Debug("build", "image", image, "output", message.Stream)
		}
	}

	d.logger.Info("image built", "image", image, "context", contextDir)
	return nil
}

func tarDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
