package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/habibyte/habibyte/crypto"
	"github.com/habibyte/habibyte/network"
	"github.com/habibyte/habibyte/types"
	"github.com/habibyte/habibyte/util"
)

const (
	secp256k1 = "secp256k1"

	genKeysCmdFlag      = "gen-keys"
	forceKeyGenCmdFlag  = "force"
	keyFileCmdFlag      = "key-file"
	defaultKeysFileName = "keys.json"
)

type (
	/*
	   Keys of the node. The same secp256k1 key is the libp2p identity of the
	   node, its validator identifier (peer ID) and the transaction signing key.
	*/
	Keys struct {
		SigningPrivateKey *crypto.InMemorySecp256K1Signer
	}

	keysConfig struct {
		HomeDir         *string
		KeyFilePath     string
		GenerateKeys    bool
		ForceGeneration bool
	}

	keyFile struct {
		SigningPrivateKey key `json:"signing"`
	}

	key struct {
		Algorithm  string      `json:"algorithm"`
		PrivateKey types.Bytes `json:"privateKey"`
	}
)

func newKeysConf(conf *baseConfiguration) *keysConfig {
	return &keysConfig{HomeDir: &conf.HomeDir}
}

func (keysConf *keysConfig) addCmdFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&keysConf.GenerateKeys, genKeysCmdFlag, "g", false, "generates new keys if none exist")
	cmd.Flags().BoolVarP(&keysConf.ForceGeneration, forceKeyGenCmdFlag, "f", false, "forces key generation, overwriting existing keys. Must be used with -g flag")
	fullKeysFilePath := filepath.Join("$HB_HOME", defaultKeysFileName)
	cmd.Flags().StringVarP(&keysConf.KeyFilePath, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the keys file (default: %s). If key file does not exist and flag -g is present then new keys are generated.", fullKeysFilePath))
}

func (keysConf *keysConfig) GetKeyFileLocation() string {
	if keysConf.KeyFilePath != "" {
		return keysConf.KeyFilePath
	}
	return filepath.Join(*keysConf.HomeDir, defaultKeysFileName)
}

func newKeysCmd(config *baseConfiguration) *cobra.Command {
	keysConf := newKeysConf(config)
	var cmd = &cobra.Command{
		Use:   "keys",
		Short: "Generates or loads node keys and prints the node identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keysConf.ForceGeneration && !keysConf.GenerateKeys {
				return fmt.Errorf("flag --%s must be used together with --%s", forceKeyGenCmdFlag, genKeysCmdFlag)
			}
			file := keysConf.GetKeyFileLocation()
			keys, err := LoadKeys(file, keysConf.GenerateKeys, keysConf.ForceGeneration)
			if err != nil {
				return fmt.Errorf("failed to load keys %s: %w", file, err)
			}
			id, err := keys.NodeID()
			if err != nil {
				return err
			}
			cmd.Printf("%s\n", id)
			return nil
		},
	}
	keysConf.addCmdFlags(cmd)
	return cmd
}

// GenerateKeys generates a new signing key.
func GenerateKeys() (*Keys, error) {
	signingKey, err := crypto.NewInMemorySecp256K1Signer()
	if err != nil {
		return nil, err
	}
	return &Keys{SigningPrivateKey: signingKey}, nil
}

// LoadKeys loads signing key, generating new one when asked.
func LoadKeys(file string, generateNewIfNotExist bool, overwrite bool) (*Keys, error) {
	exists := util.FileExists(file)

	if (exists && overwrite) || (!exists && generateNewIfNotExist) {
		// ensure intermediate dirs exist
		if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
			return nil, err
		}
		keys, err := GenerateKeys()
		if err != nil {
			return nil, err
		}
		if err := keys.WriteTo(file); err != nil {
			return nil, err
		}
		return keys, nil
	}

	if !exists {
		return nil, fmt.Errorf("keys file %s not found", file)
	}

	kf, err := util.ReadJsonFile(file, &keyFile{})
	if err != nil {
		return nil, err
	}
	if kf.SigningPrivateKey.Algorithm != secp256k1 {
		return nil, fmt.Errorf("signing key algorithm %v is not supported", kf.SigningPrivateKey.Algorithm)
	}

	signingKey, err := crypto.NewInMemorySecp256K1SignerFromKey(kf.SigningPrivateKey.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	return &Keys{SigningPrivateKey: signingKey}, nil
}

// NodeID returns peer ID derived from the key, it identifies the node as validator.
func (k *Keys) NodeID() (string, error) {
	pubKey, err := k.SigningPrivateKey.PublicKey()
	if err != nil {
		return "", err
	}
	id, err := network.NodeIDFromPublicKeyBytes(pubKey)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (k *Keys) peerKeyPair() (*network.PeerKeyPair, error) {
	private, err := k.SigningPrivateKey.MarshalPrivateKey()
	if err != nil {
		return nil, err
	}
	public, err := k.SigningPrivateKey.PublicKey()
	if err != nil {
		return nil, err
	}
	return &network.PeerKeyPair{
		PublicKey:  public,
		PrivateKey: private,
	}, nil
}

func (k *Keys) WriteTo(file string) error {
	signingKeyBytes, err := k.SigningPrivateKey.MarshalPrivateKey()
	if err != nil {
		return err
	}
	kf := &keyFile{
		SigningPrivateKey: key{
			Algorithm:  secp256k1,
			PrivateKey: signingKeyBytes,
		},
	}
	return util.WriteJsonFile(file, kf)
}
