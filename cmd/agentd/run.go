package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuintessence/agentd/internal/bus"
	"github.com/kuintessence/agentd/internal/collectexec"
	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/deployer"
	"github.com/kuintessence/agentd/internal/deployexec"
	"github.com/kuintessence/agentd/internal/dispatcher"
	"github.com/kuintessence/agentd/internal/downloadexec"
	"github.com/kuintessence/agentd/internal/fileload"
	"github.com/kuintessence/agentd/internal/httpclient"
	"github.com/kuintessence/agentd/internal/jobexec"
	"github.com/kuintessence/agentd/internal/log"
	"github.com/kuintessence/agentd/internal/refresh"
	"github.com/kuintessence/agentd/internal/resources"
	"github.com/kuintessence/agentd/internal/scheduler"
	"github.com/kuintessence/agentd/internal/scheduler/lsf"
	"github.com/kuintessence/agentd/internal/scheduler/pbs"
	"github.com/kuintessence/agentd/internal/scheduler/slurm"
	"github.com/kuintessence/agentd/internal/status"
	"github.com/kuintessence/agentd/internal/uploadexec"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent and process inbound task commands",
	RunE:  runAgent,
}

func init() {
	runCmd.Flags().String("config", "/etc/agentd/config.yaml", "path to the YAML configuration file")
	runCmd.Flags().String("access-token", "", "initial OIDC access token (the device-code login dance itself is out of scope; a wrapping process or operator supplies the token here)")
	runCmd.Flags().String("refresh-token", "", "initial OIDC refresh token")
	runCmd.Flags().String("lock-file", "/var/run/agentd.lock", "single-instance lock file path")
	runCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().Bool("log-json", false, "emit logs as JSON instead of console-formatted")
	_ = runCmd.MarkFlagRequired("access-token")
}

func runAgent(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	accessToken, _ := flags.GetString("access-token")
	refreshToken, _ := flags.GetString("refresh-token")
	lockPath, _ := flags.GetString("lock-file")
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	lock, acquired, err := acquireLock(lockPath)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("agentd is already running (lock held at %s)", lockPath)
	}
	defer func() {
		if err := lock.release(); err != nil {
			log.Logger.Warn().Err(err).Msg("release single-instance lock")
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := httpclient.NewClient(httpclient.Options{
		OIDCServer:   cfg.OIDCServer,
		ClientID:     cfg.ClientID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})

	runner, err := command.NewRunner(cfg.SSHProxy)
	if err != nil {
		return fmt.Errorf("build command runner: %w", err)
	}
	var scp *command.SCP
	if sshRunner, ok := runner.(*command.SSHRunner); ok {
		scp = command.NewSCP(sshRunner)
	}

	adapter, err := newSchedulerAdapter(cfg, runner, scp)
	if err != nil {
		return fmt.Errorf("build scheduler adapter: %w", err)
	}

	spack, apptainer := newDeployers(cfg, runner)

	prober := resources.Default(cfg.SavePath)
	reporter := status.New(client.Client, cfg.Server, prober)

	fl := fileload.New(client.Client, cfg.Server, cfg, runner, scp)

	// The dispatcher's reporter-wrapping needs to exist before the
	// executors are built, since every executor is handed the wrapped
	// reporter; the dispatcher itself is wired with its executors right
	// after, via its exported fields.
	d := dispatcher.New(nil, nil, nil, nil, nil)
	reporter2 := d.WrapReporter(reporter)

	downloadExec := downloadexec.New(client.Client, cfg.Server, cfg, reporter2, runner, scp)
	uploadExec := uploadexec.New(client.Client, client.StreamClient, cfg.Server, cfg, reporter2, runner, scp)
	jobExec := jobexec.New(adapter, spack, apptainer, reporter2, cfg)
	deployExec := deployexec.New(spack, apptainer, reporter2)
	collectExec := collectexec.New(fl, reporter2)

	d.Download = downloadExec
	d.Upload = uploadExec
	d.Job = jobExec
	d.Deploy = deployExec
	d.Collect = collectExec

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reporter.Register(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("register with controller")
	}
	go reporter.Run(ctx)

	jobRefresher := refresh.New(jobExec, time.Duration(cfg.RefreshJobsInterval)*time.Second)
	go jobRefresher.Run(ctx)

	subscriber := bus.ChannelSubscriber(make(chan []byte, 64))
	go runDispatchLoop(ctx, d, subscriber)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Logger.Info().Msg("shutting down")
	return nil
}

func runDispatchLoop(ctx context.Context, d *dispatcher.Dispatcher, sub bus.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := d.Handle(ctx, raw); err != nil {
				log.Logger.Error().Err(err).Msg("handle inbound message")
			}
		}
	}
}

func newSchedulerAdapter(cfg *config.Config, runner command.Runner, scp *command.SCP) (scheduler.Adapter, error) {
	savePath := filepath.Clean(cfg.SavePath)
	switch cfg.Scheduler.Type {
	case config.SchedulerPBS:
		return pbs.New(runner, scp, cfg.SSHProxy, savePath), nil
	case config.SchedulerSlurm:
		return slurm.New(runner, scp, cfg.SSHProxy, savePath), nil
	case config.SchedulerLSF:
		return lsf.New(runner, scp, cfg.SSHProxy, savePath, cfg.Scheduler.Queue), nil
	default:
		return nil, fmt.Errorf("unrecognized scheduler type %q", cfg.Scheduler.Type)
	}
}

func newDeployers(cfg *config.Config, runner command.Runner) (deployer.Backend, deployer.Backend) {
	var spack deployer.Backend
	var apptainer deployer.Backend
	if cfg.Deploy.Spack != nil {
		spack = deployer.NewSpack(runner, cfg.Deploy.Spack.Root)
	}
	if cfg.Deploy.Apptainer != nil {
		apptainer = deployer.NewApptainer(runner, cfg.Deploy.Apptainer.ImagesRoot)
	}
	return spack, apptainer
}
