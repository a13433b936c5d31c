package collab

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/pkg/objectstore"
)

// The implementations below back single-node development when the
// external services are not configured.

// LocalContracts writes a plain-text contract into the object store.
type LocalContracts struct {
	Objects objectstore.Store
	Now     func() time.Time
}

func (l *LocalContracts) Generate(ctx context.Context, app domain.Application) (domain.Contract, error) {
	now := time.Now().UTC()
	if l.Now != nil {
		now = l.Now().UTC()
	}
	c := domain.Contract{
		ContractID:    "ctr_" + uuid.NewString(),
		ApplicationID: app.ApplicationID,
		GeneratedAt:   now,
	}
	c.DocumentPath = objectstore.CleanPath(fmt.Sprintf("contratos/%s/%s.txt", app.ApplicationID, c.ContractID))
	body := fmt.Sprintf("CONTRATO DE CREDITO\nSolicitud: %s (%s)\nContrato: %s\nGenerado: %s\n",
		app.ApplicationNumber, app.ApplicationID, c.ContractID, now.Format(time.RFC3339))
	if err := l.Objects.Put(ctx, c.DocumentPath, []byte(body)); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

const trailerMarker = "\n--- FIRMAS ---\n"

// TrailerRenderer appends one line per signer to a signature trailer,
// creating the trailer on first use.
type TrailerRenderer struct{}

func (TrailerRenderer) MergeSignature(_ context.Context, doc []byte, signers []domain.Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("no signers to merge")
	}
	var b bytes.Buffer
	b.Write(doc)
	if !bytes.Contains(doc, []byte(trailerMarker)) {
		b.WriteString(trailerMarker)
	}
	for _, s := range signers {
		fmt.Fprintf(&b, "%s %s %s ip=%s mark=%s\n", s.Actor, s.UserID, s.SignedAt.UTC().Format(time.RFC3339), s.IP, s.Mark)
	}
	return b.Bytes(), nil
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Printf("notify: %s process=%s application=%s recipients=%s", n.Kind, n.ProcessID, n.ApplicationID, strings.Join(n.Recipients, ","))
	return nil
}
