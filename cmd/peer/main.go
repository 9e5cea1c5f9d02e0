package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"otp2p/internal/config"
	"otp2p/internal/discovery"
	"otp2p/internal/peer"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	cfg *config.Config

	hubURL      string
	documentID  string
	peerID      string
	cachePath   string
	browseFor   time.Duration
	mdnsService string

	rootCmd = &cobra.Command{
		Use:   "otp2p-peer",
		Short: "Edit a shared plain-text document with other peers",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			if mdnsService == "" {
				mdnsService = cfg.MDNSService
			}
			return nil
		},
	}

	connectCmd = &cobra.Command{
		Use:   "connect",
		Short: "Join a document and edit it from stdin",
		RunE:  runConnect,
	}

	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "List hubs announced on the local network",
		RunE:  runDiscover,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&mdnsService, "service", "", "mDNS service type of hubs (default from MDNS_SERVICE)")
	rootCmd.PersistentFlags().DurationVar(&browseFor, "browse", 3*time.Second, "how long to browse for hubs")

	connectCmd.Flags().StringVar(&hubURL, "hub", "", "hub websocket base URL, e.g. ws://localhost:8080/ws/document (discovered when empty)")
	connectCmd.Flags().StringVar(&documentID, "doc", "", "document to join")
	connectCmd.Flags().StringVar(&peerID, "peer-id", "", "name of this peer (random when empty)")
	connectCmd.Flags().StringVar(&cachePath, "cache", "", "bbolt file caching the last synchronized state (default from PEER_CACHE_PATH)")
	connectCmd.MarkFlagRequired("doc")

	rootCmd.AddCommand(connectCmd, discoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	hubs, err := discovery.Browse(cmd.Context(), mdnsService, browseFor)
	if err != nil {
		return err
	}
	if len(hubs) == 0 {
		fmt.Println("No hubs found")
		return nil
	}
	for _, hub := range hubs {
		fmt.Printf("%s\t%s\n", hub.Instance, hub.URL("<document>"))
	}
	return nil
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	url, err := documentURL(ctx)
	if err != nil {
		return err
	}
	if peerID == "" {
		peerID = uuid.New().String()
	}
	if cachePath == "" {
		cachePath = cfg.PeerCachePath
	}

	cache, err := peer.OpenCache(cachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	client := peer.NewClient(url+"?peer_id="+peerID, documentID, peerID,
		peer.WithCache(cache),
		peer.WithHistoryCapacity(cfg.HistoryCapacity),
		peer.WithChangeHandler(func(text string) {
			fmt.Printf("\n%s\n> ", text)
		}),
	)
	if found, err := client.LoadCached(); err != nil {
		log.Printf("⚠️  Ignoring peer cache: %v", err)
	} else if found {
		log.Printf("Showing cached copy of %s until the hub answers", documentID)
	}

	go func() {
		if err := client.Run(ctx); err != nil {
			log.Printf("❌ %v", err)
		}
	}()

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := execute(client, line); quit {
				return nil
			}
			fmt.Print("> ")
		}
	}
}

func documentURL(ctx context.Context) (string, error) {
	if hubURL != "" {
		return strings.TrimSuffix(hubURL, "/") + "/" + documentID, nil
	}

	log.Printf("Looking for a hub (%s)...", mdnsService)
	hubs, err := discovery.Browse(ctx, mdnsService, browseFor)
	if err != nil {
		return "", err
	}
	if len(hubs) == 0 {
		return "", fmt.Errorf("no hub found on the local network; pass --hub")
	}
	return hubs[0].URL(documentID), nil
}

func execute(client *peer.Client, line string) bool {
	c, err := parseCommand(line)
	if err != nil {
		fmt.Println(err)
		return false
	}

	switch c.kind {
	case cmdQuit:
		return true
	case cmdPrint:
		fmt.Println(client.Text())
	case cmdInsert:
		err = client.Insert(c.index, c.text)
	case cmdDelete:
		err = client.Delete(c.index, c.count)
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}
