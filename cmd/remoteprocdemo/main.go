// Command remoteprocdemo spawns one image as a remote process and streams
// its output to the local terminal, exercising the full factory/adapter
// lifecycle end to end against a real cluster.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cuemby/remoteproc/pkg/cluster"
	"github.com/cuemby/remoteproc/pkg/factory"
	"github.com/cuemby/remoteproc/pkg/log"
	"github.com/cuemby/remoteproc/pkg/portpool"
	"github.com/cuemby/remoteproc/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "remoteprocdemo",
	Short:   "Run a container image as a remote process and stream its IO",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("remoteprocdemo version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOutput})
}

var runCmd = &cobra.Command{
	Use:   "run <image> [-- args...]",
	Short: "Submit an image as a remote process and wait for it to exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runE,
}

func init() {
	runCmd.Flags().String("namespace", "default", "cluster namespace to run in")
	runCmd.Flags().String("kubeconfig", filepath.Join(os.Getenv("HOME"), ".kube", "config"), "path to kubeconfig")
	runCmd.Flags().String("caller-host", "", "address sidecars dial back to (required)")
	runCmd.Flags().IntSlice("ports", nil, "two local ports for the output and error listeners")
	runCmd.Flags().String("heartbeat-url", "", "URL the heartbeat sidecar polls (required)")
	runCmd.Flags().StringSlice("file", nil, "name=path pairs to upload into /config")
	runCmd.Flags().Bool("stdin", false, "attach local standard input to the remote process")
}

func runE(cmd *cobra.Command, args []string) error {
	namespace, _ := cmd.Flags().GetString("namespace")
	kubeconfig, _ := cmd.Flags().GetString("kubeconfig")
	callerHost, _ := cmd.Flags().GetString("caller-host")
	heartbeatURL, _ := cmd.Flags().GetString("heartbeat-url")
	ports, _ := cmd.Flags().GetIntSlice("ports")
	fileFlags, _ := cmd.Flags().GetStringSlice("file")
	usesStdin, _ := cmd.Flags().GetBool("stdin")

	if callerHost == "" || heartbeatURL == "" || len(ports) != 2 {
		return fmt.Errorf("--caller-host, --heartbeat-url, and exactly two --ports are required")
	}

	files, err := parseFiles(fileFlags)
	if err != nil {
		return err
	}

	restConfig, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return fmt.Errorf("loading kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("building cluster clientset: %w", err)
	}

	var client cluster.Client = cluster.NewK8sClient(clientset, restConfig)
	pool := portpool.New(ports)
	f := factory.New(factory.Config{
		Client:       client,
		Namespace:    namespace,
		Pool:         pool,
		CallerHost:   callerHost,
		HeartbeatURL: heartbeatURL,
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	image := args[0]
	childArgs := args[1:]
	rp, err := f.Create(ctx, types.Spawn{
		Image:     image,
		Args:      childArgs,
		Files:     files,
		UsesStdin: usesStdin,
	})
	if err != nil {
		return fmt.Errorf("starting %s: %w", image, err)
	}

	if usesStdin {
		go io.Copy(rp.InputStream(), os.Stdin)
	}
	go io.Copy(os.Stdout, rp.OutputStream())
	go io.Copy(os.Stderr, rp.ErrorStream())

	code, err := rp.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", image, err)
	}
	log.Info(fmt.Sprintf("%s exited with code %d", image, code))
	os.Exit(code)
	return nil
}

func parseFiles(flags []string) ([]types.FileEntry, error) {
	entries := make([]types.FileEntry, 0, len(flags))
	for _, flag := range flags {
		name, path, ok := strings.Cut(flag, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --file %q, want name=path", flag)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s for --file %s: %w", path, name, err)
		}
		entries = append(entries, types.FileEntry{Name: name, Content: content})
	}
	return entries, nil
}
