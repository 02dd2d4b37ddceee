package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"
	"time"

	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/tafallen/ProjectTeleprinter/internal/metrics"
	"github.com/tafallen/ProjectTeleprinter/pkg/node"
	"github.com/tafallen/ProjectTeleprinter/pkg/util/pathutil"
)

const configEnv = "TELEX_CONFIG"
const shutdownTimeout = 10 * time.Second

type runCfg struct {
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	args         []string

	logger       *logging.Logger
	masterLogger *logging.MasterLogger
	conf         *node.Config
	node         *node.Node
	cancel       context.CancelFunc
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "telexd [config-path]",
	Short: "Store-and-forward telex exchange",
	Run: func(_ *cobra.Command, args []string) {
		cfg.args = args

		cfg.startLogger().
			readConfig().
			runNode().
			waitOsSignals().
			stopNode()
	},
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "telexd", "logging tag")
	rootCmd.Flags().BoolVarP(&cfg.cfgFromStdin, "stdin", "i", false, "read config from STDIN")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.masterLogger = logging.NewMasterLogger()
	cfg.logger = cfg.masterLogger.PackageLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			cfg.masterLogger.AddHook(hook)
			cfg.masterLogger.Out = io.Discard
		}
	}
	return cfg
}

func (cfg *runCfg) readConfig() *runCfg {
	if cfg.cfgFromStdin {
		cfg.logger.Info("Reading config from STDIN")
		conf := node.DefaultConfig()
		if err := json.NewDecoder(bufio.NewReader(os.Stdin)).Decode(conf); err != nil {
			cfg.logger.Fatalf("Failed to decode config from STDIN: %s", err)
		}
		cfg.conf = conf
		return cfg
	}

	configPath := pathutil.FindConfigPath(cfg.args, 0, configEnv, pathutil.NodeDefaults())
	conf, err := node.ParseConfig(configPath)
	if err != nil {
		cfg.logger.Fatalf("Failed to read config %s: %s", configPath, err)
	}
	cfg.conf = conf
	return cfg
}

func (cfg *runCfg) runNode() *runCfg {
	if lvl, err := logging.LevelFromString(cfg.conf.Node.LogLevel); err == nil {
		cfg.masterLogger.SetLevel(lvl)
	}

	n, err := node.New(cfg.conf, cfg.masterLogger, metrics.NewPrometheus("telexd"))
	if err != nil {
		cfg.logger.Fatal("Failed to initialize node: ", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg.cancel = cancel
	if err := n.Start(ctx); err != nil {
		cfg.logger.Fatal("Failed to start node: ", err)
	}

	cfg.node = n
	return cfg
}

func (cfg *runCfg) stopNode() *runCfg {
	if err := cfg.node.Close(); err != nil {
		cfg.logger.Fatal("Failed to close node: ", err)
	}
	return cfg
}

func (cfg *runCfg) waitOsSignals() *runCfg {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
	<-ch
	cfg.cancel()
	go func() {
		select {
		case <-time.After(shutdownTimeout):
			cfg.logger.Fatal("Timeout reached: terminating")
		case s := <-ch:
			cfg.logger.Fatalf("Received signal %s: terminating", s)
		}
	}()
	return cfg
}
