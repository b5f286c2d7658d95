// Command node runs a corenode instance: a Store/MPT/DataCache-backed
// ledger, optionally participating in dBFT consensus when a validator
// identity is configured.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/n3toric/corenode/internal/consensus"
	"github.com/n3toric/corenode/internal/crypto"
	"github.com/n3toric/corenode/internal/node"
	"github.com/n3toric/corenode/internal/store"
	"github.com/n3toric/corenode/internal/txverify"
	"github.com/n3toric/corenode/internal/types"
	"github.com/n3toric/corenode/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "node"}
	rootCmd.AddCommand(startCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a corenode instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config overlay name (e.g. testnet, mainnet)")
	return cmd
}

// staticFeeSchedule is a fixed fee_per_byte floor until a native-contract
// backed fee policy exists (see DESIGN.md).
type staticFeeSchedule struct{ perByte int64 }

func (f staticFeeSchedule) NetworkFeePerByte() int64 { return f.perByte }

// zeroBalances is a placeholder BalanceSource until the native GAS
// contract's storage layout is wired (see DESIGN.md).
type zeroBalances struct{}

func (zeroBalances) GasBalance(types.U160) (int64, error) { return 1 << 62, nil }

type fileSigner struct{ key []byte }

func (s fileSigner) Sign(digest []byte) ([]byte, error) { return crypto.Sign(digest, s.key) }

type p256Verifier struct{ validators [][]byte }

func (v p256Verifier) Verify(validatorIndex int, digest []byte, sig []byte) (bool, error) {
	if validatorIndex < 0 || validatorIndex >= len(v.validators) {
		return false, fmt.Errorf("node: validator_index %d out of range", validatorIndex)
	}
	return crypto.VerifySignature(crypto.CurveSecp256r1, digest, sig, v.validators[validatorIndex])
}

var _ consensus.Signer = fileSigner{}
var _ consensus.Verifier = p256Verifier{}
var _ txverify.FeeSchedule = staticFeeSchedule{}

func runNode(env string) error {
	log := logrus.New()

	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var backing store.Store
	if cfg.Storage.Path == "" {
		backing = store.NewMemStore()
		log.Info("storage: using in-memory store")
	} else {
		backing, err = store.OpenPebbleStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open store at %s: %w", cfg.Storage.Path, err)
		}
		log.WithField("path", cfg.Storage.Path).Info("storage: opened pebble store")
	}

	validators, err := cfg.ValidatorKeys()
	if err != nil {
		return fmt.Errorf("decode validators: %w", err)
	}

	consensusScript := multisigScript(validators)

	nodeCfg := node.Config{
		Store:           backing,
		Hash256d:        crypto.Sha256d,
		MerkleRoot:      crypto.MerkleRoot,
		Balances:        zeroBalances{},
		FeePolicy:       staticFeeSchedule{perByte: 1},
		Validators:      validators,
		Verifier:        p256Verifier{validators: validators},
		ConsensusScript: consensusScript,
		NextConsensus:   crypto.Hash160(consensusScript),
		BlockTimeMs:     uint64(cfg.Chain.BlockTimeMS),
		MaxTxPerBlock:   cfg.Chain.MaxTxPerBlock,
		MempoolCap:      cfg.Chain.MempoolCapacity,
		Network: &node.NetworkConfig{
			Magic:      cfg.Network.Magic,
			ListenPort: uint16(cfg.Network.ListenPort),
			SeedNodes:  cfg.Network.SeedNodes,
		},
		Logger: log,
	}

	if cfg.HasIdentity() {
		key, err := cfg.IdentityKey()
		if err != nil {
			return fmt.Errorf("decode validator_identity: %w", err)
		}
		nodeCfg.Signer = fileSigner{key: key}
		pub, err := localPublicKeyIndex(validators, key)
		if err != nil {
			log.WithError(err).Warn("validator_identity does not match any configured validator key; running as non-validating node")
		} else {
			nodeCfg.LocalIndex = pub
		}
	}

	n, err := node.New(nodeCfg)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	log.WithFields(logrus.Fields{
		"network_magic": cfg.Network.Magic,
		"listen_port":   cfg.Network.ListenPort,
		"validators":    len(validators),
	}).Info("node started")

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), node.HardTimeout)
	defer stopCancel()
	return n.Stop(stopCtx)
}

// multisigScript builds the validator set's m-of-n verification script:
// the quorum threshold, each public key length-prefixed in index order,
// and the key count. Its Hash160 is the chain's next_consensus address,
// and the dBFT commit witness verifies against it.
func multisigScript(validators [][]byte) []byte {
	if len(validators) == 0 {
		return nil
	}
	m := len(validators) - (len(validators)-1)/3
	w := types.NewWriter()
	w.U8(uint8(m))
	for _, pub := range validators {
		w.VarBytes(pub)
	}
	w.U8(uint8(len(validators)))
	return w.Bytes()
}

// localPublicKeyIndex derives the local validator's public key from its
// private scalar and returns its index in validators, so consensus can
// identify which slot this node fills.
func localPublicKeyIndex(validators [][]byte, privKey []byte) (int, error) {
	pub, err := crypto.PublicKeySecp256r1(privKey)
	if err != nil {
		return 0, err
	}
	for i, v := range validators {
		if string(v) == string(pub) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("node: local public key not found in validator set")
}
