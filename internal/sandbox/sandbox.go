// Package sandbox provides a docker-backed reproduction harness. Every run
// executes the testcase against one build inside a disposable, labeled
// container, so runs are isolated from each other and from the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	_ "crypto/sha1"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	"github.com/opencontainers/go-digest"
	"github.com/otiai10/copy"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"

	"github.com/DominicWuest/bugmon/pkg/bugmon"
)

// Label attached to every docker artifact the sandbox creates, used by the
// clean command to find leftovers.
const Label = "bugmon"

// A Runner executes testcases against build artifacts inside docker
// containers. The runner images are built once per build artifact and reused
// across runs and bisections within the process.
type Runner struct {
	// The contents of the dockerfile for the runner image. The build artifact
	// reference is passed in as the ARTIFACT build argument, the testcase is
	// available under /testcase in the build context.
	Dockerfile string
	// The path to the dockerfile. Only gets used if Dockerfile is empty.
	DockerfilePath string

	// The ports the testcase needs, e.g. for a local content server. Each is
	// mapped to a free host port and exported to the container as PORT_<n>.
	Ports []int

	Log *logrus.Logger // The log to which information gets printed to

	dockerfileString string // The parsed dockerfile for building runner images
	dockerfileHash   string // The hash of the dockerfile string, for differentiating runner images

	mu          sync.Mutex      // Guards builtImages
	builtImages map[string]bool // If an image name exists as a key, it has already been built

	imagesBuilding sync.Map // Per-image locks so only one run builds a specific image at once
}

// New initializes a runner: it parses the dockerfile and indexes the runner
// images built by previous processes.
func New(dockerfile, dockerfilePath string, log *logrus.Logger) (*Runner, error) {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	r := &Runner{
		Dockerfile:     dockerfile,
		DockerfilePath: dockerfilePath,
		Log:            log,

		builtImages: make(map[string]bool),
	}

	r.dockerfileString = r.Dockerfile
	if r.dockerfileString == "" {
		file, err := os.ReadFile(r.DockerfilePath)
		if err != nil {
			return nil, err
		}
		r.dockerfileString = string(file)
	}
	r.dockerfileHash = digest.FromString(r.dockerfileString).Encoded()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	defer cli.Close()

	images, err := cli.ImageList(context.Background(), types.ImageListOptions{})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to list all docker images"), err)
	}
	for _, image := range images {
		if len(image.RepoTags) == 1 {
			r.builtImages[image.RepoTags[0]] = true
		}
	}

	return r, nil
}

// ConcurrencySafe reports that runs may execute concurrently: every run gets
// its own container and host ports.
func (r *Runner) ConcurrencySafe() bool { return true }

// imageOfBuild returns the name with the tag of the runner image for the
// passed build.
func (r *Runner) imageOfBuild(build bugmon.BuildHandle) string {
	return fmt.Sprintf("bugmon-%s:%s", build.Revision, r.dockerfileHash)
}

// Run executes the testcase against the build once. The container is stopped
// and removed on every exit path; a run exceeding the timeout reports
// TimedOut instead of a verdict-bearing outcome.
func (r *Runner) Run(ctx context.Context, build bugmon.BuildHandle, testcase string, timeout time.Duration) (bugmon.RawOutcome, error) {
	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return bugmon.RawOutcome{}, errors.Join(fmt.Errorf("docker client creation failed"), err)
	}
	defer apiClient.Close()

	imageName, err := r.ensureImage(ctx, apiClient, build, testcase)
	if err != nil {
		return bugmon.RawOutcome{}, err
	}

	// Map the needed ports to free host ports
	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)
	env := []string{"ARTIFACT=" + build.Artifact}
	for _, port := range r.Ports {
		natPort := nat.Port(fmt.Sprint(port))

		freePort, err := freeport.GetFreePort()
		if err != nil {
			return bugmon.RawOutcome{}, err
		}

		exposedPorts[natPort] = struct{}{}
		portBindings[natPort] = []nat.PortBinding{{HostPort: fmt.Sprint(freePort)}}
		env = append(env, fmt.Sprintf("PORT_%d=%d", port, freePort))
	}

	containerName := "bugmon-" + uniuri.New()

	containerConfig := &container.Config{
		Image:        imageName,
		Env:          env,
		ExposedPorts: exposedPorts,
		Labels:       map[string]string{Label: "1"},
	}
	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
	}

	resp, err := apiClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return bugmon.RawOutcome{}, errors.Join(fmt.Errorf("container creation with name %s of image %s failed", containerName, imageName), err)
	}
	// Guaranteed release: the container is force-removed no matter how the
	// run ends
	defer func() {
		if err := apiClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			r.Log.Warnf("Failed to remove container %s - %v", containerName, err)
		}
	}()

	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return bugmon.RawOutcome{}, errors.Join(fmt.Errorf("container start with name %s of image %s failed", containerName, imageName), err)
	}

	r.Log.Debugf("Started container %s running build %s", containerName, build)

	waitCh, errCh := apiClient.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case res := <-waitCh:
		if res.Error != nil {
			return bugmon.RawOutcome{}, fmt.Errorf("container %s wait failed: %s", containerName, res.Error.Message)
		}
		exitCode = res.StatusCode
	case err := <-errCh:
		return bugmon.RawOutcome{}, errors.Join(fmt.Errorf("container %s wait failed", containerName), err)
	case <-time.After(timeout):
		r.Log.Warnf("Run in container %s exceeded timeout of %v", containerName, timeout)
		stopTimeout := 0
		if err := apiClient.ContainerStop(context.Background(), resp.ID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
			r.Log.Warnf("Failed to stop container %s - %v", containerName, err)
		}
		return bugmon.RawOutcome{TimedOut: true}, nil
	case <-ctx.Done():
		return bugmon.RawOutcome{}, ctx.Err()
	}

	logs, err := apiClient.ContainerLogs(context.Background(), resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return bugmon.RawOutcome{}, errors.Join(fmt.Errorf("failed to get logs of container %s", containerName), err)
	}
	defer logs.Close()
	out, err := io.ReadAll(logs)
	if err != nil {
		return bugmon.RawOutcome{}, err
	}

	return parseOutcome(string(out), exitCode), nil
}

// ensureImage builds the runner image for the build if no previous run did,
// reusing already built images otherwise.
func (r *Runner) ensureImage(ctx context.Context, apiClient *client.Client, build bugmon.BuildHandle, testcase string) (string, error) {
	imageName := r.imageOfBuild(build)

	newLock := &sync.Mutex{}
	l, _ := r.imagesBuilding.LoadOrStore(imageName, newLock)
	lock := l.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	built := r.builtImages[imageName]
	r.mu.Unlock()
	if built {
		r.Log.Debugf("Image %s of build %s already built, reusing image", imageName, build)
		return imageName, nil
	}

	r.Log.Infof("Building image %s of build %s", imageName, build)

	// Assemble the build context: dockerfile plus the testcase
	contextDir, err := os.MkdirTemp("", "")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(contextDir)

	if err := os.WriteFile(path.Join(contextDir, "Dockerfile"), []byte(r.dockerfileString), 0777); err != nil {
		return "", err
	}
	if err := copy.Copy(testcase, path.Join(contextDir, "testcase")); err != nil {
		return "", errors.Join(fmt.Errorf("failed to copy testcase %s into build context", testcase), err)
	}

	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return "", errors.Join(fmt.Errorf("tar creation of build context for build %s failed", build), err)
	}

	artifact := build.Artifact
	buildRes, err := apiClient.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:        []string{imageName},
		ForceRemove: true,
		Labels:      map[string]string{Label: "1"},
		BuildArgs:   map[string]*string{"ARTIFACT": &artifact},
	})
	if err != nil {
		return "", errors.Join(fmt.Errorf("image build of %s for build %s failed", imageName, build), err)
	}

	// Wait for the build to be done
	out, err := io.ReadAll(buildRes.Body)
	buildRes.Body.Close()
	if err != nil {
		return "", err
	}
	r.Log.Tracef("Image build output:\n%s", string(out))

	// Check if the last stream message is an error-detail, meaning the build failed
	strOut := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if strings.HasPrefix(strOut[len(strOut)-1], `{"errorDetail"`) {
		return "", fmt.Errorf("image build of %s for build %s failed: %w", imageName, build, bugmon.ErrBuildUnavailable)
	}

	r.mu.Lock()
	r.builtImages[imageName] = true
	r.mu.Unlock()

	return imageName, nil
}
