package credentials

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
)

// Version of the token that we marshal/unmarshal
type tokenMarshal struct {
	AccessToken string    `json:"access-token"`
	Expiry      time.Time `json:"expiry"`
}

// saveToken stashes the token on disk so a restart does not burn a
// fresh exchange.  Best effort: failures are logged, not surfaced.
func (s *Store) saveToken(tok *oauth2.Token) {
	if s.tokenFile == "" {
		return
	}

	tm := tokenMarshal{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
	}

	file, err := os.OpenFile(s.tokenFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		logging.Logger(nil).WithError(err).Warnf("cannot save token to %s", s.tokenFile)
		return
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(tm); err != nil {
		logging.Logger(nil).WithError(err).Warnf("cannot save token to %s", s.tokenFile)
	}
}

func loadToken(fileName string) (*oauth2.Token, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "opening token cache %s", fileName)
	}
	defer file.Close()

	var tm tokenMarshal
	if err := json.NewDecoder(file).Decode(&tm); err != nil {
		return nil, errors.Wrapf(err, "loading token cache %s", fileName)
	}

	if tm.AccessToken == "" || !tm.Expiry.After(time.Now()) {
		return nil, errors.Errorf("cached token in %s is empty or expired", fileName)
	}

	return &oauth2.Token{
		AccessToken: tm.AccessToken,
		TokenType:   "Bearer",
		Expiry:      tm.Expiry,
	}, nil
}
