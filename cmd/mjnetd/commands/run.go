package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/mjnet"
	"github.com/opd-ai/mjnet/filter"
	"github.com/opd-ai/mjnet/telemetry"
)

// demoRelationships maps remote user IDs to fixed relationships parsed
// from the --relationship flag. Everyone else is a stranger.
type demoRelationships struct {
	byUser map[string]filter.Relationship
}

func (d demoRelationships) Relationship(ctx context.Context, remoteUserID string) (filter.Relationship, error) {
	if rel, ok := d.byUser[remoteUserID]; ok {
		return rel, nil
	}
	return filter.Stranger(), nil
}

// demoContext serves a fixed snapshot built from flags.
type demoContext struct {
	snap filter.Snapshot
}

func (d demoContext) ContextSnapshot(ctx context.Context) (filter.Snapshot, error) {
	return d.snap, nil
}

func runCmd() *cobra.Command {
	var (
		relationshipSpecs []string
		mood              string
		status            string
		metricsAddr       string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a companion network node",
		Long: `Start a node configured from the P2P_* environment variables.

Relationships toward other users are given as repeated --relationship
flags in the form user:type, where type is one of stranger, friend,
family. Example:

  mjnetd run --relationship bob:friend --relationship carol:family`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := mjnet.LoadOptionsFromEnv()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			relationships, err := parseRelationships(relationshipSpecs)
			if err != nil {
				return err
			}

			snap := filter.Snapshot{}
			if mood != "" {
				snap[filter.CategoryGeneralMood] = mood
			}
			if status != "" {
				snap[filter.CategoryBasicStatus] = status
			}

			node, err := mjnet.New(opts, demoRelationships{byUser: relationships}, demoContext{snap: snap})
			if err != nil {
				return fmt.Errorf("creating node: %w", err)
			}

			node.OnPeerActive(func(peerID, userID string) {
				logrus.WithFields(logrus.Fields{
					"peer_id": peerID,
					"user_id": userID,
				}).Info("Peer active")
			})
			node.OnPeerClosed(func(peerID, reason string) {
				logrus.WithFields(logrus.Fields{
					"peer_id": peerID,
					"reason":  reason,
				}).Info("Peer closed")
			})
			node.OnContextReceived(func(peerID string, snapshot filter.Snapshot) {
				logrus.WithFields(logrus.Fields{
					"peer_id":    peerID,
					"categories": len(snapshot),
				}).Info("Context update received")
			})
			node.OnPeerStatus(func(peerID, status string) {
				logrus.WithFields(logrus.Fields{
					"peer_id": peerID,
					"status":  status,
				}).Info("Peer status changed")
			})

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", telemetry.MetricsHandler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logrus.WithField("error", err).Warn("Metrics endpoint stopped")
					}
				}()
			}

			if err := node.Start(); err != nil {
				return fmt.Errorf("starting node: %w", err)
			}
			defer node.Stop()

			fmt.Printf("Node %s online for user %q on port %d\n",
				node.SelfID()[:8], node.SelfUserID(), opts.DiscoveryPort)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			fmt.Println("Shutting down")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&relationshipSpecs, "relationship", nil, "user:type relationship (repeatable)")
	cmd.Flags().StringVar(&mood, "mood", "", "general mood to share")
	cmd.Flags().StringVar(&status, "status", "", "basic status to share")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint")
	return cmd
}

func parseRelationships(specs []string) (map[string]filter.Relationship, error) {
	out := make(map[string]filter.Relationship, len(specs))
	for _, spec := range specs {
		user, kind, ok := strings.Cut(spec, ":")
		if !ok || user == "" {
			return nil, fmt.Errorf("invalid relationship %q, want user:type", spec)
		}
		out[user] = filter.Relationship{Type: filter.ParseRelationshipType(kind)}
	}
	return out, nil
}
