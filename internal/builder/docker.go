package builder

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"layerforge/internal/domain"
	"layerforge/internal/layer"
)

// DockerRunner executes directives against a Docker daemon. RUN uses a
// transient container (create, start, wait, logs, commit, remove);
// COPY layers a deterministic tar onto the image; USER is checked
// against /etc/passwd of the top image.
type DockerRunner struct {
	client     *client.Client
	logger     *zap.Logger
	runTimeout time.Duration
	pullBase   bool
}

// DockerRunnerOptions configures a DockerRunner.
type DockerRunnerOptions struct {
	Host       string
	RunTimeout time.Duration // per-RUN bound; zero means 15 minutes
	PullBase   bool          // pull unresolved base refs from the registry
}

// NewDockerRunner creates a runner connected to the Docker daemon.
func NewDockerRunner(opts DockerRunnerOptions, logger *zap.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(opts.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	timeout := opts.RunTimeout
	if timeout == 0 {
		timeout = 15 * time.Minute
	}

	return &DockerRunner{
		client:     cli,
		logger:     logger,
		runTimeout: timeout,
		pullBase:   opts.PullBase,
	}, nil
}

// Close closes the Docker client
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

// ResolveBase resolves ref against the local image store, pulling when
// configured. The ref must carry a name and tag.
func (r *DockerRunner) ResolveBase(ctx context.Context, ref string) (*BaseImage, error) {
	if _, err := reference.ParseNormalizedNamed(ref); err != nil {
		return nil, domain.NewBuildErrorWithCause(domain.ErrCodeBaseNotFound,
			fmt.Sprintf("invalid base image reference %q", ref), err)
	}

	inspect, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if !client.IsErrNotFound(err) {
			return nil, fmt.Errorf("inspecting base image %s: %w", ref, err)
		}
		if !r.pullBase {
			return nil, domain.NewBuildError(domain.ErrCodeBaseNotFound,
				fmt.Sprintf("base image %q not found in image store", ref))
		}
		if err := r.pull(ctx, ref); err != nil {
			return nil, domain.NewBuildErrorWithCause(domain.ErrCodeBaseNotFound,
				fmt.Sprintf("base image %q could not be pulled", ref), err)
		}
		inspect, _, err = r.client.ImageInspectWithRaw(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("inspecting pulled base image %s: %w", ref, err)
		}
	}

	base := &BaseImage{ImageID: inspect.ID}
	if inspect.Config != nil {
		base.Entrypoint = inspect.Config.Entrypoint
		base.Cmd = inspect.Config.Cmd
		base.DefaultUser = inspect.Config.User
	}
	return base, nil
}

// ImageExists reports whether the daemon still has imageID. Cached
// layers go stale when the daemon is pruned or replaced.
func (r *DockerRunner) ImageExists(ctx context.Context, imageID string) (bool, error) {
	_, _, err := r.client.ImageInspectWithRaw(ctx, imageID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image %s: %w", imageID, err)
	}
	return true, nil
}

func (r *DockerRunner) pull(ctx context.Context, ref string) error {
	r.logger.Info("Pulling base image", zap.String("ref", ref))
	rc, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Run executes cmdline in a transient container on top of imageID.
func (r *DockerRunner) Run(ctx context.Context, imageID, user, cmdline string) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	created, err := r.client.ContainerCreate(runCtx, &container.Config{
		Image:      imageID,
		User:       user,
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{cmdline},
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating transient container: %w", err)
	}
	id := created.ID
	defer r.removeContainer(id)

	if err := r.client.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting transient container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if runTimedOut(err, runCtx) {
			stdout, stderr := r.collectLogs(context.WithoutCancel(ctx), id)
			return &RunResult{Stdout: stdout, Stderr: stderr}, &domain.BuildError{
				Code:    domain.ErrCodeCommandFailed,
				Message: fmt.Sprintf("command timed out after %s", r.runTimeout),
				Index:   -1,
				Timeout: true,
				Stdout:  stdout,
				Stderr:  stderr,
			}
		}
		return nil, fmt.Errorf("waiting for transient container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	stdout, stderr := r.collectLogs(runCtx, id)
	if exitCode != 0 {
		return &RunResult{ExitCode: exitCode, Stdout: stdout, Stderr: stderr}, &domain.BuildError{
			Code:     domain.ErrCodeCommandFailed,
			Message:  fmt.Sprintf("command exited with status %d", exitCode),
			Index:    -1,
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
		}
	}

	diff, err := r.containerDiff(runCtx, id)
	if err != nil {
		return nil, fmt.Errorf("computing filesystem delta: %w", err)
	}

	commit, err := r.client.ContainerCommit(runCtx, id, container.CommitOptions{})
	if err != nil {
		return nil, fmt.Errorf("committing transient container: %w", err)
	}

	return &RunResult{
		Stdout:  stdout,
		Stderr:  stderr,
		Diff:    diff,
		ImageID: commit.ID,
	}, nil
}

// CopyFile layers a single context file onto imageID. The diff archive
// is built locally with a fixed mtime, so the same source bytes always
// produce the same archive.
func (r *DockerRunner) CopyFile(ctx context.Context, imageID, srcPath, destPath string) (*RunResult, error) {
	archive, err := fileArchive(srcPath, destPath)
	if err != nil {
		return nil, err
	}

	created, err := r.client.ContainerCreate(ctx, &container.Config{Image: imageID},
		&container.HostConfig{}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating transient container: %w", err)
	}
	id := created.ID
	defer r.removeContainer(id)

	if err := r.client.CopyToContainer(ctx, id, "/", bytes.NewReader(archive), container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("copying %s into container: %w", destPath, err)
	}

	commit, err := r.client.ContainerCommit(ctx, id, container.CommitOptions{})
	if err != nil {
		return nil, fmt.Errorf("committing transient container: %w", err)
	}

	return &RunResult{
		Diff:    io.NopCloser(bytes.NewReader(archive)),
		ImageID: commit.ID,
	}, nil
}

// LookupUser checks identity against imageID's /etc/passwd. Numeric
// identities are accepted without a lookup, matching runtime behavior.
func (r *DockerRunner) LookupUser(ctx context.Context, imageID, identity string) error {
	if _, err := strconv.Atoi(identity); err == nil {
		return nil
	}

	created, err := r.client.ContainerCreate(ctx, &container.Config{Image: imageID},
		&container.HostConfig{}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating transient container: %w", err)
	}
	id := created.ID
	defer r.removeContainer(id)

	rc, _, err := r.client.CopyFromContainer(ctx, id, "/etc/passwd")
	if err != nil {
		return domain.NewBuildErrorWithCause(domain.ErrCodeUnknownUser,
			fmt.Sprintf("user database unavailable in image %s", imageID), err)
	}
	defer rc.Close()

	users, err := parsePasswd(rc)
	if err != nil {
		return fmt.Errorf("parsing /etc/passwd of %s: %w", imageID, err)
	}
	for _, u := range users {
		if u == identity {
			return nil
		}
	}
	return domain.NewBuildError(domain.ErrCodeUnknownUser,
		fmt.Sprintf("user %q not present in image user database", identity))
}

// runTimedOut reports whether a wait failure was the per-command
// deadline. A caller abort (context.Canceled) is not a timeout and
// propagates as a plain error instead of COMMAND_FAILED.
func runTimedOut(err error, runCtx context.Context) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func (r *DockerRunner) removeContainer(id string) {
	// Removal is best effort and must survive a canceled build context.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("Failed to remove transient container",
			zap.String("container_id", id),
			zap.Error(err),
		)
	}
}

// collectLogs captures the demultiplexed stdout/stderr of a container.
func (r *DockerRunner) collectLogs(ctx context.Context, id string) (string, string) {
	rc, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		r.logger.Warn("Failed to collect container logs",
			zap.String("container_id", id),
			zap.Error(err),
		)
		return "", ""
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		r.logger.Warn("Failed to demultiplex container logs",
			zap.String("container_id", id),
			zap.Error(err),
		)
	}
	return stdout.String(), stderr.String()
}

// containerDiff assembles a tar of the files the command created or
// modified, with whiteout entries for deletions.
func (r *DockerRunner) containerDiff(ctx context.Context, id string) (io.ReadCloser, error) {
	changes, err := r.client.ContainerDiff(ctx, id)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, change := range changes {
		switch change.Kind {
		case container.ChangeAdd, container.ChangeModify:
			if err := r.copyChange(ctx, tw, id, change.Path); err != nil {
				return nil, err
			}
		case container.ChangeDelete:
			// Whiteout marker in the overlay convention.
			name := path.Join(path.Dir(change.Path), ".wh."+path.Base(change.Path))
			hdr := &tar.Header{
				Name:    strings.TrimPrefix(name, "/"),
				Size:    0,
				Mode:    0o644,
				ModTime: layer.FixedMtime,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return nil, err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

// copyChange streams one changed path out of the container into the
// diff archive, skipping directory entries the daemon reports for
// parent directories of changed files.
func (r *DockerRunner) copyChange(ctx context.Context, tw *tar.Writer, id, changePath string) error {
	rc, stat, err := r.client.CopyFromContainer(ctx, id, changePath)
	if err != nil {
		return fmt.Errorf("copying %s from container: %w", changePath, err)
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		hdr := &tar.Header{
			Name:     strings.TrimPrefix(changePath, "/") + "/",
			Typeflag: tar.TypeDir,
			Mode:     int64(stat.Mode.Perm()),
			ModTime:  layer.FixedMtime,
		}
		return tw.WriteHeader(hdr)
	}

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s from container: %w", changePath, err)
		}
		hdr.Name = path.Join(strings.TrimPrefix(path.Dir(changePath), "/"), hdr.Name)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return err
			}
		}
	}
}

// fileArchive builds the deterministic single-file tar a COPY layers
// onto the image. Mode comes from the source file; mtime is fixed so
// identical bytes hash identically across builds.
func fileArchive(srcPath, destPath string) ([]byte, error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", srcPath, err)
	}
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", srcPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	name := strings.TrimPrefix(path.Clean(destPath), "/")
	hdr := &tar.Header{
		Name:    name,
		Size:    fi.Size(),
		Mode:    int64(fi.Mode().Perm()),
		ModTime: layer.FixedMtime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parsePasswd(rc io.Reader) ([]string, error) {
	// CopyFromContainer returns a tar stream containing the one file.
	tr := tar.NewReader(rc)
	var users []string
	for {
		_, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		raw, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(raw), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if name, _, ok := strings.Cut(line, ":"); ok && name != "" {
				users = append(users, name)
			}
		}
	}
	return users, nil
}
