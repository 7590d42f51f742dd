package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"studentvc/internal/issuance"
	"studentvc/internal/issuance/handler"
)

func newIssueCommand(o *rootOptions) *cobra.Command {
	var (
		name     string
		claims   []string
		audience []string
		validFor time.Duration
		expires  string
	)
	cmd := &cobra.Command{
		Use:   "issue <subject-id>",
		Short: "Sign a credential for a subject and record it",
		Example: `  vcctl issue S1 --name "Ada Lovelace" --claim programme=Mathematics --claim year=2
  vcctl issue S2 --name "Alan Turing" --expires 2027-07-01T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := issuance.IssueRequest{
				SubjectID: strings.TrimSpace(args[0]),
				Name:      name,
				ValidFor:  validFor,
				Audience:  audience,
			}
			parsed, err := parseClaims(claims)
			if err != nil {
				return usageError(err)
			}
			req.Claims = parsed
			if expires != "" {
				at, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return usageError(fmt.Errorf("--expires: %w", err))
				}
				req.ExpiresAt = &at
			}

			return o.withService(cmd.Context(), func(svc *issuance.Service) error {
				res, err := svc.Issue(cmd.Context(), req)
				if err != nil {
					return err
				}
				p := o.printer()
				return p.emit(handler.IssueResponse{Token: res.Token, Credential: res.Credential, Record: res.Record}, func() error {
					fmt.Fprintln(p.w, p.accepted.Render("ISSUED"))
					p.field("subject", res.Record.SubjectID)
					p.field("issuer", res.Credential.Issuer.ID)
					p.field("version", res.Record.Version)
					if res.Credential.ExpirationDate != nil {
						p.field("expires", formatTime(*res.Credential.ExpirationDate))
					}
					fmt.Fprintln(p.w)
					fmt.Fprintln(p.w, res.Token)
					return nil
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "subject's display name")
	f.StringArrayVar(&claims, "claim", nil, "additional claim as key=value; JSON values are decoded")
	f.StringSliceVar(&audience, "audience", nil, "intended verifiers")
	f.DurationVar(&validFor, "valid-for", 0, "validity period (default from issuer.valid_for)")
	f.StringVar(&expires, "expires", "", "absolute expiry as RFC 3339, overrides --valid-for")
	return cmd
}

// parseClaims turns key=value pairs into claims. Values that parse as JSON keep
// their type so year=2 is a number and tags=["a"] an array; anything else is a
// string.
func parseClaims(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--claim %q: want key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func newVerifyCommand(o *rootOptions) *cobra.Command {
	var tok string
	cmd := &cobra.Command{
		Use:   "verify [subject-id]",
		Short: "Verify a stored credential or a token",
		Long: `Verify checks the signature, expiry, status and issuer trust of a
credential. Pass a subject to verify its stored token, or --token to verify a
token presented by a holder. The exit code is 3 unless the credential is
accepted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (tok != "") {
				return usageError(errors.New("pass either a subject id or --token"))
			}
			if tok == "-" {
				line, err := o.readLine()
				if err != nil {
					return err
				}
				tok = line
			}

			return o.withService(cmd.Context(), func(svc *issuance.Service) error {
				var out any
				var view handler.VerifyResponse
				if tok != "" {
					res, err := svc.Verify(cmd.Context(), tok)
					if err != nil {
						return err
					}
					view = handler.FromResult(res)
					out = view
				} else {
					summary, err := svc.VerifyStored(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					resp := handler.FromSummary(*summary)
					view, out = resp.Verification, resp
				}

				p := o.printer()
				if err := p.emit(out, func() error {
					p.verification(view)
					return nil
				}); err != nil {
					return err
				}
				if !view.Accepted {
					return &ExitError{Code: ExitNotAccepted}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tok, "token", "", "compact JWT to verify, or - to read it from stdin")
	return cmd
}

func newListCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded credentials with a fresh verification of each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.withService(cmd.Context(), func(svc *issuance.Service) error {
				summaries, err := svc.List(cmd.Context())
				if err != nil {
					return err
				}
				resp := handler.ListResponse{Credentials: make([]handler.SummaryResponse, 0, len(summaries)), Count: len(summaries)}
				for _, s := range summaries {
					resp.Credentials = append(resp.Credentials, handler.FromSummary(s))
				}
				p := o.printer()
				return p.emit(resp, func() error {
					p.credentials(resp)
					return nil
				})
			})
		},
	}
}

func newRevokeCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <subject-id>...",
		Short: "Mark credentials revoked",
		Long: `Revoke marks the credentials of the given subjects revoked. A single
unknown subject is an error; with several subjects unknown ones are skipped and
only the revoked subjects are printed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd.Context(), func(svc *issuance.Service) error {
				revoked := args
				if len(args) == 1 {
					if err := svc.Revoke(cmd.Context(), args[0]); err != nil {
						return err
					}
				} else {
					var err error
					if revoked, err = svc.RevokeMany(cmd.Context(), args); err != nil {
						return err
					}
				}
				if revoked == nil {
					revoked = []string{}
				}
				p := o.printer()
				return p.emit(handler.RevokeManyResponse{Revoked: revoked}, func() error {
					for _, id := range revoked {
						fmt.Fprintf(p.w, "%s %s\n", p.warning.Render("REVOKED"), id)
					}
					return nil
				})
			})
		},
	}
}

func newReactivateCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate <subject-id>",
		Short: "Return a revoked credential to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withService(cmd.Context(), func(svc *issuance.Service) error {
				if err := svc.Reactivate(cmd.Context(), args[0]); err != nil {
					return err
				}
				rec, err := svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				p := o.printer()
				return p.emit(rec, func() error {
					fmt.Fprintf(p.w, "%s %s\n", p.accepted.Render("ACTIVE"), rec.SubjectID)
					return nil
				})
			})
		},
	}
}
