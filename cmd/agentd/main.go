package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/agentd/agentd/pkg/canonization"
	"github.com/agentd/agentd/pkg/cert"
	"github.com/agentd/agentd/pkg/config"
	"github.com/agentd/agentd/pkg/dataservice"
	"github.com/agentd/agentd/pkg/listener"
	"github.com/agentd/agentd/pkg/log"
	"github.com/agentd/agentd/pkg/privsep"
	"github.com/agentd/agentd/pkg/protocol"
	"github.com/agentd/agentd/pkg/randomservice"
	"github.com/agentd/agentd/pkg/supervisor"
	"github.com/agentd/agentd/pkg/types"
)

// Version information, set via ldflags during build.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	// -P switches into private mode entirely, bypassing cobra's command
	// dispatch: a -P child is never invoked with any other flag or
	// command the public CLI understands.
	if sub, ok := privateSubcommand(os.Args[1:]); ok {
		if err := runPrivate(sub); err != nil {
			fmt.Fprintf(os.Stderr, "agentd -P %s: %v\n", sub, err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func privateSubcommand(args []string) (string, bool) {
	for i, a := range args {
		if a == "-P" && i+1 < len(args) {
			return args[i+1], true
		}
		if strings.HasPrefix(a, "-P=") {
			return strings.TrimPrefix(a, "-P="), true
		}
	}
	return "", false
}

var rootCmd = &cobra.Command{
	Use:     "agentd",
	Short:   "agentd - privilege-separated blockchain agent daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().BoolP("foreground", "F", false, "accepted for compatibility; agentd always runs in the foreground")
	rootCmd.PersistentFlags().StringP("config", "c", "/etc/agentd/agentd.conf", "path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(readconfigCmd)
	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	levelName, _ := rootCmd.PersistentFlags().GetString("log-level")
	log.Init(log.Config{Level: logLevelFromName(levelName), JSONOutput: jsonOutput})
}

func logLevelFromName(name string) int64 {
	switch name {
	case "debug":
		return 9
	case "warn":
		return 3
	case "error":
		return 1
	default:
		return 6
	}
}

var readconfigCmd = &cobra.Command{
	Use:   "readconfig",
	Short: "parse the configuration file and emit the binary record stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfigJSON(path)
		if err != nil {
			return err
		}
		return config.Encode(os.Stdout, cfg)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the agentd process tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfigJSON(path)
		if err != nil {
			return err
		}
		return runSupervisor(cfg)
	},
}

// loadConfigJSON is agentd's stand-in for the out-of-scope
// configuration-file grammar: a JSON document whose fields mirror
// types.AgentConfig, sufficient to exercise every downstream
// component the real grammar would feed.
func loadConfigJSON(path string) (types.AgentConfig, error) {
	var cfg types.AgentConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("agentd: read config %q: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("agentd: parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("agentd: invalid config: %w", err)
	}
	return cfg, nil
}

func runSupervisor(cfg types.AgentConfig) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	sup := supervisor.New(cfg, exe)
	return sup.Run(context.Background())
}

// runPrivate dispatches a -P invocation to its service implementation.
// Every private subcommand expects its sockets pre-opened at fd 3
// onward (ExtraFiles order is fixed per supervisor.Start) and its
// configuration passed via the AGENTD_* environment variables
// supervisor.Supervisor sets before exec.
func runPrivate(subcommand string) error {
	switch subcommand {
	case "readconfig":
		return readconfigCmd.RunE(readconfigCmd, nil)
	case "dataservice":
		return runDataService()
	case "listenservice":
		return runListenService()
	case "random":
		return runRandomService()
	case "unauthorized_protocol_service":
		return runProtocolService()
	case "canonization_service":
		return runCanonizationService()
	case "supervisor":
		cfg, err := envConfig()
		if err != nil {
			return err
		}
		return runSupervisor(cfg)
	default:
		return fmt.Errorf("agentd: unrecognized private subcommand %q", subcommand)
	}
}

// inheritedFile wraps an fd inherited via ExtraFiles (fd 3 is always
// the first inherited descriptor in a freshly exec'd process).
func inheritedFile(fd int) *os.File {
	return os.NewFile(uintptr(fd), fmt.Sprintf("inherited-fd-%d", fd))
}

func inheritedConn(fd int) (net.Conn, error) {
	return net.FileConn(inheritedFile(fd))
}

func inheritedUnixConn(fd int) (*net.UnixConn, error) {
	conn, err := inheritedConn(fd)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("agentd: fd %d is not a unix socket", fd)
	}
	return uc, nil
}

// dropPrivilegesFromEnv performs the chroot/setuid dance described by
// spec section 4.H step 3, reading the values the supervisor passed
// across the exec boundary. It is a no-op outside of root, which is
// the common case in development and test environments.
func dropPrivilegesFromEnv() error {
	if os.Geteuid() != 0 {
		log.Logger.Debug().Msg("not running as root, skipping privilege drop")
		return nil
	}

	userName := os.Getenv(supervisor.EnvUser)
	groupName := os.Getenv(supervisor.EnvGroup)
	chrootDir := os.Getenv(supervisor.EnvChroot)

	if userName == "" || groupName == "" {
		return nil
	}

	uid, gid, err := privsep.LookupUserGroup(userName, groupName)
	if err != nil {
		return err
	}
	if chrootDir != "" {
		if err := privsep.Chroot(chrootDir); err != nil {
			return err
		}
	}
	if err := privsep.DropPrivileges(uid, gid); err != nil {
		return err
	}
	return privsep.CloseStandardFDs()
}

func envConfig() (types.AgentConfig, error) {
	var cfg types.AgentConfig
	cfg.ChrootDir = os.Getenv(supervisor.EnvChroot)
	cfg.User = os.Getenv(supervisor.EnvUser)
	cfg.Group = os.Getenv(supervisor.EnvGroup)
	cfg.DatastorePath = os.Getenv(supervisor.EnvDatastore)
	for _, pair := range strings.Split(os.Getenv(supervisor.EnvListen), ",") {
		if pair == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(pair)
		if err != nil {
			return cfg, err
		}
		port, err := strconv.ParseUint(portStr, 10, 64)
		if err != nil {
			return cfg, err
		}
		cfg.ListenAddresses = append(cfg.ListenAddresses, types.ListenAddress{Address: host, Port: port})
	}
	return cfg, nil
}

func runRandomService() error {
	if err := dropPrivilegesFromEnv(); err != nil {
		return err
	}
	conn, err := inheritedConn(3)
	if err != nil {
		return err
	}
	return randomservice.Serve(conn, randomservice.New())
}

func runDataService() error {
	if err := dropPrivilegesFromEnv(); err != nil {
		return err
	}

	dispatcher := dataservice.NewPendingDispatcher(cert.NewSimpleParser())

	conns := make([]net.Conn, 3)
	for i, fd := range []int{3, 4, 5} {
		conn, err := inheritedConn(fd)
		if err != nil {
			return err
		}
		conns[i] = conn
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			if err := dataservice.Serve(c, dispatcher); err != nil {
				log.Logger.Debug().Err(err).Msg("data service connection closed")
			}
		}(c)
	}
	wg.Wait()
	return nil
}

func runListenService() error {
	cfg, err := envConfig()
	if err != nil {
		return err
	}
	if err := dropPrivilegesFromEnv(); err != nil {
		return err
	}

	l, err := listener.Open(cfg.ListenAddresses)
	if err != nil {
		return err
	}
	defer l.Close()

	control, err := inheritedUnixConn(3)
	if err != nil {
		return err
	}
	l.SetControl(control)
	l.Serve()

	select {}
}

func runProtocolService() error {
	if err := dropPrivilegesFromEnv(); err != nil {
		return err
	}

	dataConn, err := inheritedConn(3)
	if err != nil {
		return err
	}
	listenerConn, err := inheritedUnixConn(4)
	if err != nil {
		return err
	}
	dataClient := dataservice.NewClient(dataConn)

	for {
		conn, err := listener.RecvFD(listenerConn)
		if err != nil {
			return err
		}
		session := protocol.NewSession(conn, dataClient)
		go session.Run()
	}
}

func runCanonizationService() error {
	if err := dropPrivilegesFromEnv(); err != nil {
		return err
	}

	dataConn, err := inheritedConn(3)
	if err != nil {
		return err
	}
	randConn, err := inheritedConn(4)
	if err != nil {
		return err
	}
	controlConn, err := inheritedConn(5)
	if err != nil {
		return err
	}

	svc := canonization.New(dataservice.NewClient(dataConn), randomservice.NewClient(randConn), cert.NewSimpleParser())
	return canonization.ServeControl(controlConn, svc)
}
