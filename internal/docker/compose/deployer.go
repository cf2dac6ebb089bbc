package compose

import (
	"context"
	"fmt"
	"io"
	"sort"

	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/docker"
	"github.com/dockhand/composeops/internal/interfaces"
)

// Compose labels applied to everything the deployer creates. The event
// monitor relies on these to attribute engine events to projects.
const (
	LabelProject         = "com.docker.compose.project"
	LabelService         = "com.docker.compose.service"
	LabelContainerNumber = "com.docker.compose.container-number"
	LabelOneOff          = "com.docker.compose.oneoff"
)

const defaultStopTimeout = 10

// Deployer executes compose project operations against the Docker engine.
type Deployer struct {
	manager docker.Manager
	loader  *Loader
	logger  *logrus.Logger
}

// NewDeployer creates a Deployer.
func NewDeployer(manager docker.Manager, loader *Loader, logger *logrus.Logger) *Deployer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Deployer{
		manager: manager,
		loader:  loader,
		logger:  logger,
	}
}

// stepper translates completed steps into a monotonic percentage within
// the [base, 100] range.
type stepper struct {
	report interfaces.ProgressFunc
	base   int
	total  int
	done   int
}

func newStepper(report interfaces.ProgressFunc, base, total int) *stepper {
	if total < 1 {
		total = 1
	}
	return &stepper{report: report, base: base, total: total}
}

func (s *stepper) step(message string) {
	s.done++
	if s.done > s.total {
		s.done = s.total
	}
	if s.report != nil {
		percent := s.base + (100-s.base)*s.done/s.total
		s.report(percent, message)
	}
}

func report(fn interfaces.ProgressFunc, percent int, message string) {
	if fn != nil {
		fn(percent, message)
	}
}

// sortedServices returns the project services in a stable order so that
// progress output is deterministic.
func sortedServices(project *composetypes.Project) []composetypes.ServiceConfig {
	services := make([]composetypes.ServiceConfig, 0, len(project.Services))
	for _, svc := range project.Services {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})
	return services
}

func projectFilter(projectName string) filters.Args {
	return filters.NewArgs(filters.Arg("label", LabelProject+"="+projectName))
}

// Up loads the project, ensures its default network, then pulls, creates
// and starts one container per service.
func (d *Deployer) Up(ctx context.Context, ref interfaces.ProjectRef, progress interfaces.ProgressFunc) error {
	cli, err := d.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	report(progress, 2, "loading project")
	project, err := d.loader.Load(ctx, ref)
	if err != nil {
		return err
	}

	report(progress, 5, "creating network")
	networkName, err := d.ensureDefaultNetwork(ctx, cli.NetworkCreate, cli.NetworkList, project.Name)
	if err != nil {
		return err
	}

	services := sortedServices(project)
	steps := newStepper(progress, 5, len(services)*3)

	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			return err
		}

		if svc.Build == nil && svc.Image != "" {
			if err := d.pullImage(ctx, svc.Image); err != nil {
				return err
			}
		}
		steps.step(fmt.Sprintf("pulled %s", svc.Name))

		containerID, err := d.createContainer(ctx, project, svc, networkName)
		if err != nil {
			return err
		}
		steps.step(fmt.Sprintf("created %s", svc.Name))

		if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return errors.Wrapf(err, "failed to start service %s", svc.Name)
		}
		steps.step(fmt.Sprintf("started %s", svc.Name))
	}

	return nil
}

// Down stops and removes the project's containers and removes the
// project's networks.
func (d *Deployer) Down(ctx context.Context, ref interfaces.ProjectRef, progress interfaces.ProgressFunc) error {
	cli, err := d.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	projectName := SanitizeProjectName(ref.Name)
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: projectFilter(projectName),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to list containers for project %s", projectName)
	}

	steps := newStepper(progress, 0, len(containers)+1)
	timeout := defaultStopTimeout

	for _, c := range containers {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := containerName(c)
		if err := cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			return errors.Wrapf(err, "failed to stop container %s", name)
		}
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return errors.Wrapf(err, "failed to remove container %s", name)
		}
		steps.step(fmt.Sprintf("removed %s", name))
	}

	networks, err := cli.NetworkList(ctx, network.ListOptions{Filters: projectFilter(projectName)})
	if err != nil {
		return errors.Wrapf(err, "failed to list networks for project %s", projectName)
	}
	for _, n := range networks {
		if err := cli.NetworkRemove(ctx, n.ID); err != nil {
			d.logger.WithError(err).WithField("network", n.Name).Warn("Failed to remove project network")
		}
	}
	steps.step("removed networks")

	return nil
}

// Build builds images for every service with a build context.
func (d *Deployer) Build(ctx context.Context, ref interfaces.ProjectRef, progress interfaces.ProgressFunc) error {
	cli, err := d.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	report(progress, 2, "loading project")
	project, err := d.loader.Load(ctx, ref)
	if err != nil {
		return err
	}

	var buildable []composetypes.ServiceConfig
	for _, svc := range sortedServices(project) {
		if svc.Build != nil {
			buildable = append(buildable, svc)
		}
	}

	steps := newStepper(progress, 5, len(buildable))
	for _, svc := range buildable {
		if err := ctx.Err(); err != nil {
			return err
		}

		tag := svc.Image
		if tag == "" {
			tag = fmt.Sprintf("%s-%s", project.Name, svc.Name)
		}

		buildCtx, err := archive.TarWithOptions(svc.Build.Context, &archive.TarOptions{})
		if err != nil {
			return errors.Wrapf(err, "failed to tar build context for service %s", svc.Name)
		}

		dockerfile := svc.Build.Dockerfile
		if dockerfile == "" {
			dockerfile = "Dockerfile"
		}

		resp, err := cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
			Tags:       []string{tag},
			Dockerfile: dockerfile,
			Remove:     true,
		})
		buildCtx.Close()
		if err != nil {
			return errors.Wrapf(err, "failed to build service %s", svc.Name)
		}
		// The build only completes once the response stream is drained.
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			resp.Body.Close()
			return errors.Wrapf(err, "build stream for service %s failed", svc.Name)
		}
		resp.Body.Close()

		steps.step(fmt.Sprintf("built %s", svc.Name))
	}

	return nil
}

// Pull pulls the image for every service that names one.
func (d *Deployer) Pull(ctx context.Context, ref interfaces.ProjectRef, progress interfaces.ProgressFunc) error {
	if _, err := d.manager.GetWithContext(ctx); err != nil {
		return err
	}

	report(progress, 2, "loading project")
	project, err := d.loader.Load(ctx, ref)
	if err != nil {
		return err
	}

	var pullable []composetypes.ServiceConfig
	for _, svc := range sortedServices(project) {
		if svc.Image != "" {
			pullable = append(pullable, svc)
		}
	}

	steps := newStepper(progress, 5, len(pullable))
	for _, svc := range pullable {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.pullImage(ctx, svc.Image); err != nil {
			return err
		}
		steps.step(fmt.Sprintf("pulled %s", svc.Name))
	}

	return nil
}

// Restart restarts the project's existing containers.
func (d *Deployer) Restart(ctx context.Context, ref interfaces.ProjectRef, progress interfaces.ProgressFunc) error {
	timeout := defaultStopTimeout
	return d.forEachProjectContainer(ctx, ref, progress, true, "restarted",
		func(ctx context.Context, cli apiClient, id string) error {
			return cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &timeout})
		})
}

// Start starts the project's stopped containers.
func (d *Deployer) Start(ctx context.Context, ref interfaces.ProjectRef, progress interfaces.ProgressFunc) error {
	return d.forEachProjectContainer(ctx, ref, progress, true, "started",
		func(ctx context.Context, cli apiClient, id string) error {
			return cli.ContainerStart(ctx, id, container.StartOptions{})
		})
}

// Stop stops the project's running containers without removing them.
func (d *Deployer) Stop(ctx context.Context, ref interfaces.ProjectRef, progress interfaces.ProgressFunc) error {
	timeout := defaultStopTimeout
	return d.forEachProjectContainer(ctx, ref, progress, false, "stopped",
		func(ctx context.Context, cli apiClient, id string) error {
			return cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
		})
}

// apiClient is the slice of the Docker client the per-container helpers
// need.
type apiClient interface {
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
}

func (d *Deployer) forEachProjectContainer(
	ctx context.Context,
	ref interfaces.ProjectRef,
	progress interfaces.ProgressFunc,
	includeStopped bool,
	verb string,
	apply func(ctx context.Context, cli apiClient, id string) error,
) error {
	cli, err := d.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	projectName := SanitizeProjectName(ref.Name)
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     includeStopped,
		Filters: projectFilter(projectName),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to list containers for project %s", projectName)
	}
	if len(containers) == 0 {
		return errors.Errorf("no containers found for project %s", projectName)
	}

	steps := newStepper(progress, 0, len(containers))
	for _, c := range containers {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := containerName(c)
		if err := apply(ctx, cli, c.ID); err != nil {
			return errors.Wrapf(err, "failed to apply %s to container %s", verb, name)
		}
		steps.step(fmt.Sprintf("%s %s", verb, name))
	}

	return nil
}

func (d *Deployer) pullImage(ctx context.Context, imageRef string) error {
	cli, err := d.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	d.logger.WithField("image", imageRef).Debug("Pulling image")
	reader, err := cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "failed to pull image %s", imageRef)
	}
	defer reader.Close()

	// The pull only completes once the response stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errors.Wrapf(err, "pull stream for image %s failed", imageRef)
	}
	return nil
}

// ensureDefaultNetwork returns the project's default network, creating
// it if missing.
func (d *Deployer) ensureDefaultNetwork(
	ctx context.Context,
	create func(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error),
	list func(ctx context.Context, options network.ListOptions) ([]network.Summary, error),
	projectName string,
) (string, error) {
	networkName := projectName + "_default"

	existing, err := list(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", networkName)),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to list networks")
	}
	for _, n := range existing {
		if n.Name == networkName {
			return networkName, nil
		}
	}

	_, err = create(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelProject: projectName},
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to create network %s", networkName)
	}
	return networkName, nil
}

// createContainer creates one container for a service, wired to the
// project network and labeled so the event monitor can attribute it.
func (d *Deployer) createContainer(
	ctx context.Context,
	project *composetypes.Project,
	svc composetypes.ServiceConfig,
	networkName string,
) (string, error) {
	cli, err := d.manager.GetWithContext(ctx)
	if err != nil {
		return "", err
	}

	imageRef := svc.Image
	if imageRef == "" {
		imageRef = fmt.Sprintf("%s-%s", project.Name, svc.Name)
	}

	exposed, bindings, err := servicePorts(svc.Ports)
	if err != nil {
		return "", errors.Wrapf(err, "invalid ports for service %s", svc.Name)
	}

	labels := map[string]string{
		LabelProject:         project.Name,
		LabelService:         svc.Name,
		LabelContainerNumber: "1",
		LabelOneOff:          "False",
	}
	for k, v := range svc.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        imageRef,
		Cmd:          []string(svc.Command),
		Entrypoint:   []string(svc.Entrypoint),
		Env:          serviceEnvironment(svc.Environment),
		Labels:       labels,
		ExposedPorts: exposed,
		WorkingDir:   svc.WorkingDir,
	}
	if svc.User != "" {
		cfg.User = svc.User
	}

	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Mounts:        serviceMounts(svc.Volumes),
		RestartPolicy: restartPolicy(svc.Restart),
	}
	if svc.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(svc.NetworkMode)
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {Aliases: []string{svc.Name}},
		},
	}
	if svc.NetworkMode != "" {
		netCfg = nil
	}

	name := fmt.Sprintf("%s-%s-1", project.Name, svc.Name)
	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create container for service %s", svc.Name)
	}
	return resp.ID, nil
}

func serviceEnvironment(env composetypes.MappingWithEquals) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		if v == nil {
			result = append(result, k)
		} else {
			result = append(result, k+"="+*v)
		}
	}
	sort.Strings(result)
	return result
}

func servicePorts(ports []composetypes.ServicePortConfig) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprintf("%d", p.Target))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		if p.Published != "" {
			bindings[port] = append(bindings[port], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: p.Published,
			})
		}
	}
	return exposed, bindings, nil
}

func serviceMounts(volumes []composetypes.ServiceVolumeConfig) []mount.Mount {
	mounts := make([]mount.Mount, 0, len(volumes))
	for _, v := range volumes {
		m := mount.Mount{
			Type:     mount.Type(v.Type),
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		}
		if v.Bind != nil {
			m.BindOptions = &mount.BindOptions{
				Propagation: mount.Propagation(v.Bind.Propagation),
			}
		}
		if v.Volume != nil {
			m.VolumeOptions = &mount.VolumeOptions{NoCopy: v.Volume.NoCopy}
		}
		mounts = append(mounts, m)
	}
	return mounts
}

func restartPolicy(restart string) container.RestartPolicy {
	switch restart {
	case "always":
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case "unless-stopped":
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	case "on-failure":
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	default:
		return container.RestartPolicy{}
	}
}

func containerName(c types.Container) string {
	if len(c.Names) > 0 {
		name := c.Names[0]
		if len(name) > 0 && name[0] == '/' {
			return name[1:]
		}
		return name
	}
	return c.ID[:12]
}
