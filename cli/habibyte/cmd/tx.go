package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/habibyte/habibyte/identity"
	"github.com/habibyte/habibyte/types"
)

const (
	apiURLCmdFlag      = "api-url"
	defaultAPIURL      = "http://" + defaultRESTAddress
	submitTxTimeout    = 10 * time.Second
	maxErrResponseSize = 4096
)

type txConfig struct {
	Base *baseConfiguration
	Keys *keysConfig

	APIURL      string
	OffChainRef string
	DryRun      bool
}

func newTxCmd(baseConfig *baseConfiguration) *cobra.Command {
	config := &txConfig{
		Base: baseConfig,
		Keys: newKeysConf(baseConfig),
	}
	var cmd = &cobra.Command{
		Use:   "tx",
		Short: "Builds, signs and submits identity registry transactions",
	}
	cmd.PersistentFlags().StringVarP(&config.Keys.KeyFilePath, keyFileCmdFlag, "k", "", "path to the keys file (default: $HB_HOME/keys.json), the key signs the transaction")
	cmd.PersistentFlags().StringVar(&config.APIURL, apiURLCmdFlag, defaultAPIURL, "REST API URL of the node")
	cmd.PersistentFlags().StringVar(&config.OffChainRef, "offchain-ref", "", "reference of the encrypted off-chain payload the transaction points to")
	cmd.PersistentFlags().BoolVar(&config.DryRun, "dry-run", false, "print the signed transaction instead of submitting it")

	cmd.AddCommand(newRegisterTxCmd(config))
	cmd.AddCommand(newUpdateTxCmd(config))
	cmd.AddCommand(newRevokeTxCmd(config))
	return cmd
}

func newRegisterTxCmd(config *txConfig) *cobra.Command {
	var nik, name, admin string
	var cmd = &cobra.Command{
		Use:   "register",
		Short: "Registers new citizen or administrator identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := identity.NewCitizen(nik, name)
			if admin != "" {
				kind, err := identity.ParseAdminType(admin)
				if err != nil {
					return err
				}
				id = identity.NewAdmin(nik, name, kind)
			}
			if err := id.IsValid(); err != nil {
				return fmt.Errorf("invalid identity: %w", err)
			}
			cmd.Printf("identity id: %s\n", id.ID)
			return config.submit(cmd, types.RegisterIdentity(id))
		},
	}
	cmd.Flags().StringVar(&nik, "nik", "", "national identity number, only its hash is stored on chain")
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&admin, "admin", "", "registers administrator of given kind: Dukcapil, RumahSakit, Sekolah, BPJS or Government")
	mustMarkRequired(cmd, "nik", "name")
	return cmd
}

func newUpdateTxCmd(config *txConfig) *cobra.Command {
	var target, nik string
	var cmd = &cobra.Command{
		Use:   "update",
		Short: "Updates NIK of registered identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.submit(cmd, types.UpdateIdentity(target, identity.HashNIK(nik)))
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "id of the identity to update")
	cmd.Flags().StringVar(&nik, "nik", "", "new national identity number")
	mustMarkRequired(cmd, "target", "nik")
	return cmd
}

func newRevokeTxCmd(config *txConfig) *cobra.Command {
	var target string
	var cmd = &cobra.Command{
		Use:   "revoke",
		Short: "Revokes registered identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.submit(cmd, types.RevokeIdentity(target))
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "id of the identity to revoke")
	mustMarkRequired(cmd, "target")
	return cmd
}

func mustMarkRequired(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
}

// submit signs transaction of given kind and posts it to the node.
func (c *txConfig) submit(cmd *cobra.Command, kind types.TxKind) error {
	tx, err := c.newTransaction(kind)
	if err != nil {
		return err
	}
	if c.DryRun {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tx)
	}

	id, err := submitTransaction(cmd.Context(), c.APIURL, tx)
	if err != nil {
		return err
	}
	cmd.Printf("transaction %s accepted\n", id)
	return nil
}

func (c *txConfig) newTransaction(kind types.TxKind) (*types.Transaction, error) {
	file := c.Keys.GetKeyFileLocation()
	keys, err := LoadKeys(file, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys %s: %w", file, err)
	}
	tx := &types.Transaction{
		ID:          uuid.NewString(),
		Kind:        kind,
		OffChainRef: c.OffChainRef,
	}
	if err := tx.Sign(keys.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	if err := tx.IsValid(); err != nil {
		return nil, err
	}
	return tx, nil
}

/*
submitTransaction posts the transaction to the REST API of the node and
returns the transaction id the node acknowledged.
*/
func submitTransaction(ctx context.Context, apiURL string, tx *types.Transaction) (string, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("encoding transaction: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, submitTxTimeout)
	defer cancel()

	url := strings.TrimSuffix(apiURL, "/") + "/api/v1/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	rsp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting transaction: %w", err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusAccepted {
		var errRsp struct {
			Error string `json:"error"`
		}
		msg, _ := io.ReadAll(io.LimitReader(rsp.Body, maxErrResponseSize))
		if json.Unmarshal(msg, &errRsp) == nil && errRsp.Error != "" {
			return "", fmt.Errorf("node rejected transaction (%s): %s", rsp.Status, errRsp.Error)
		}
		return "", fmt.Errorf("node rejected transaction (%s): %s", rsp.Status, bytes.TrimSpace(msg))
	}

	var ok struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&ok); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if ok.ID != tx.ID {
		return "", errors.New("node acknowledged different transaction id " + ok.ID)
	}
	return ok.ID, nil
}
