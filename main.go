package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"marlin/channel"
	"marlin/magnet"
	"marlin/metainfo"
	"marlin/peer"
	"marlin/torrent"
)

var (
	outputPath string
	verbose    bool
	noDHT      bool
	noTrackers bool
	progress   bool
	socks5     string
)

func engineConfig() torrent.Config {
	config := torrent.DefaultConfig
	config.UseDHT = !noDHT
	config.UseTrackers = !noTrackers
	config.ShowDownloadProgress = progress
	config.Socks5Proxy = socks5
	return config
}

func main() {
	root := &cobra.Command{
		Use:           "marlin",
		Short:         "marlin downloads files from torrents and magnet links",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetOutput(os.Stderr)
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&noDHT, "no-dht", false, "disable DHT peer discovery")
	root.PersistentFlags().BoolVar(&noTrackers, "no-trackers", false, "disable tracker peer discovery")
	root.PersistentFlags().BoolVar(&progress, "progress", false, "show a download progress bar")
	root.PersistentFlags().StringVar(&socks5, "socks5", "", "SOCKS5 proxy (host:port) for peer connections")

	root.AddCommand(
		decodeCmd(),
		infoCmd(),
		peersCmd(),
		handshakeCmd(),
		downloadPieceCmd(),
		downloadCmd(),
		magnetParseCmd(),
		magnetHandshakeCmd(),
		magnetInfoCmd(),
		magnetDownloadPieceCmd(),
		magnetDownloadCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <bencoded-value>",
		Short: "Decode a bencoded value and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decoded, err := bencode.Decode(strings.NewReader(args[0]))
			if err != nil {
				return errors.Wrap(err, "decode bencoded value")
			}

			out, err := json.Marshal(decoded)
			if err != nil {
				return errors.Wrap(err, "encode as json")
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func printInfo(tf *metainfo.TorrentFile) {
	fmt.Printf("Tracker URL: %s\n", tf.Announce)
	fmt.Printf("Length: %d\n", tf.Length)
	fmt.Printf("Info Hash: %s\n", hex.EncodeToString(tf.InfoHash[:]))
	fmt.Printf("Piece Length: %d\n", tf.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, hash := range tf.PieceHashes {
		fmt.Println(hex.EncodeToString(hash[:]))
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <torrent>",
		Short: "Print the metainfo of a torrent file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := metainfo.Open(args[0])
			if err != nil {
				return err
			}
			printInfo(tf)
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers <torrent>",
		Short: "Announce to the tracker and print discovered peers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := metainfo.Open(args[0])
			if err != nil {
				return err
			}

			config := engineConfig()
			config.UseDHT = false // a single tracker announce is enough here

			peers, err := torrent.Peers(context.Background(), tf, config)
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Println(p.String())
			}
			return nil
		},
	}
}

func handshakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handshake <torrent> <ip:port>",
		Short: "Handshake with a peer and print its peer ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := metainfo.Open(args[0])
			if err != nil {
				return err
			}
			p, err := peer.FromHostPort(args[1])
			if err != nil {
				return err
			}

			ch, err := channel.New(p, tf.InfoHash, torrent.GeneratePeerID(), channel.Options{
				SkipBitfield: true,
			})
			if err != nil {
				return err
			}
			defer ch.Close()

			peerID := ch.PeerID()
			fmt.Printf("Peer ID: %s\n", hex.EncodeToString(peerID[:]))
			return nil
		},
	}
}

func parsePieceIndex(arg string) (int, error) {
	index, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid piece index %q", arg)
	}
	return index, nil
}

func writeOutput(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write output file")
	}
	return nil
}

func downloadPieceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download_piece -o <output> <torrent> <piece>",
		Short: "Download and verify a single piece",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := metainfo.Open(args[0])
			if err != nil {
				return err
			}
			index, err := parsePieceIndex(args[1])
			if err != nil {
				return err
			}

			tor, err := torrent.New(tf, engineConfig())
			if err != nil {
				return err
			}
			buf, err := tor.DownloadPiece(context.Background(), index)
			if err != nil {
				return err
			}
			return writeOutput(outputPath, buf)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")
	cmd.MarkFlagRequired("output")
	return cmd
}

func downloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download -o <output> <torrent>",
		Short: "Download a torrent to the output path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := metainfo.Open(args[0])
			if err != nil {
				return err
			}
			tor, err := torrent.New(tf, engineConfig())
			if err != nil {
				return err
			}
			return tor.DownloadToFile(context.Background(), outputPath)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")
	cmd.MarkFlagRequired("output")
	return cmd
}

func magnetParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet_parse <uri>",
		Short: "Parse a magnet link and print its tracker and info hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			if len(m.Trackers) > 0 {
				fmt.Printf("Tracker URL: %s\n", m.Trackers[0])
			}
			fmt.Printf("Info Hash: %s\n", hex.EncodeToString(m.InfoHash[:]))
			return nil
		},
	}
}

func magnetHandshakeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet_handshake <uri>",
		Short: "Handshake with a peer found via the magnet link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}

			peers, err := torrent.MagnetPeers(context.Background(), m, engineConfig())
			if err != nil {
				return err
			}

			for _, p := range peers {
				ch, err := channel.New(p, m.InfoHash, torrent.GeneratePeerID(), channel.Options{
					Extensions:   true,
					SkipBitfield: true,
				})
				if err != nil {
					logrus.WithError(err).WithField("peer", p.String()).Debug("peer connection failed")
					continue
				}

				peerID := ch.PeerID()
				fmt.Printf("Peer ID: %s\n", hex.EncodeToString(peerID[:]))

				if ch.SupportsExtensions() {
					if ext, err := ch.ExtHandshake(); err == nil {
						fmt.Printf("Peer Metadata Extension ID: %d\n", ext.UtMetadata)
					}
				}
				ch.Close()
				return nil
			}
			return fmt.Errorf("could not handshake with any peer")
		},
	}
}

func magnetInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "magnet_info <uri>",
		Short: "Fetch metadata via the magnet link and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			tf, err := torrent.ResolveMagnet(context.Background(), m, engineConfig())
			if err != nil {
				return err
			}
			printInfo(tf)
			return nil
		},
	}
}

func magnetDownloadPieceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "magnet_download_piece -o <output> <uri> <piece>",
		Short: "Download a single piece via a magnet link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}
			index, err := parsePieceIndex(args[1])
			if err != nil {
				return err
			}

			config := engineConfig()
			tf, err := torrent.ResolveMagnet(context.Background(), m, config)
			if err != nil {
				return err
			}
			tor, err := torrent.New(tf, config)
			if err != nil {
				return err
			}
			buf, err := tor.DownloadPiece(context.Background(), index)
			if err != nil {
				return err
			}
			return writeOutput(outputPath, buf)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")
	cmd.MarkFlagRequired("output")
	return cmd
}

func magnetDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "magnet_download -o <output> <uri>",
		Short: "Download a magnet link to the output path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := magnet.Parse(args[0])
			if err != nil {
				return err
			}

			config := engineConfig()
			tf, err := torrent.ResolveMagnet(context.Background(), m, config)
			if err != nil {
				return err
			}
			tor, err := torrent.New(tf, config)
			if err != nil {
				return err
			}
			return tor.DownloadToFile(context.Background(), outputPath)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")
	cmd.MarkFlagRequired("output")
	return cmd
}
