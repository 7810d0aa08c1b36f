package connection

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portfolio-api/internal/secret"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	fixedNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	generatedID = uuid.MustParse("0195a3c0-0000-7000-8000-0000000000aa")
	rowColumns  = []string{"id", "user_id", "provider", "external_id", "institution_name", "access_token_enc", "refresh_token_enc", "created_at", "updated_at"}
)

func newTestCodec(t *testing.T) *secret.Codec {
	t.Helper()
	codec, err := secret.NewCodec(testKey)
	require.NoError(t, err)
	return codec
}

func newRepoWithMock(t *testing.T) (*Repository, sqlmock.Sqlmock, *secret.Codec) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	codec := newTestCodec(t)
	repo := NewRepository(db, codec)
	repo.now = func() time.Time { return fixedNow }
	repo.newID = func() (uuid.UUID, error) { return generatedID, nil }
	return repo, mock, codec
}

// encryptedOf matches a column value that is ciphertext of plaintext.
type encryptedOf struct {
	codec     *secret.Codec
	plaintext string
}

func (e encryptedOf) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	if e.plaintext == "" {
		return s == ""
	}
	if s == e.plaintext {
		return false
	}
	got, err := e.codec.Decrypt(s)
	return err == nil && got == e.plaintext
}

func encrypt(t *testing.T, codec *secret.Codec, plaintext string) string {
	t.Helper()
	blob, err := codec.Encrypt(plaintext)
	require.NoError(t, err)
	return blob
}

func TestCreate_EncryptsSecretsBeforeWrite(t *testing.T) {
	repo, mock, codec := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+linked_connections\b.*ON\s+CONFLICT\s+\(user_id,\s*provider,\s*external_id\)\s+DO\s+UPDATE.*RETURNING`).
		WithArgs(generatedID.String(), "u-1", "plaid", "item-1", "First Bank",
			encryptedOf{codec, "access-sandbox-abc123"}, encryptedOf{codec, ""}, fixedNow).
		WillReturnRows(sqlmock.NewRows(rowColumns).
			AddRow(generatedID.String(), "u-1", "plaid", "item-1", "First Bank", encrypt(t, codec, "access-sandbox-abc123"), "", fixedNow, fixedNow))

	c, created, err := repo.Create(context.Background(), "u-1", Input{
		Provider:        "plaid",
		ExternalID:      "item-1",
		InstitutionName: "First Bank",
		AccessToken:     "access-sandbox-abc123",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "access-sandbox-abc123", c.AccessToken)
	assert.Equal(t, generatedID.String(), c.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_RelinkReplacesTokensOfExistingRow(t *testing.T) {
	repo, mock, codec := newRepoWithMock(t)
	linkedAt := fixedNow.Add(-48 * time.Hour)

	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+linked_connections\b.*ON\s+CONFLICT`).
		WithArgs(generatedID.String(), "u-1", "plaid", "item-1", "First Bank",
			encryptedOf{codec, "access-rotated"}, encryptedOf{codec, "refresh-rotated"}, fixedNow).
		WillReturnRows(sqlmock.NewRows(rowColumns).
			AddRow("c-existing", "u-1", "plaid", "item-1", "First Bank",
				encrypt(t, codec, "access-rotated"), encrypt(t, codec, "refresh-rotated"), linkedAt, fixedNow))

	c, created, err := repo.Create(context.Background(), "u-1", Input{
		Provider:        "plaid",
		ExternalID:      "item-1",
		InstitutionName: "First Bank",
		AccessToken:     "access-rotated",
		RefreshToken:    "refresh-rotated",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c-existing", c.ID)
	assert.Equal(t, "refresh-rotated", c.RefreshToken)
	assert.Equal(t, linkedAt, c.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUser_DecryptsAfterRead(t *testing.T) {
	repo, mock, codec := newRepoWithMock(t)

	rows := sqlmock.NewRows(rowColumns).
		AddRow("c-1", "u-1", "plaid", "item-1", "First Bank", encrypt(t, codec, "access-1"), nil, fixedNow, fixedNow).
		AddRow("c-2", "u-1", "coinbase", "acct-9", "", encrypt(t, codec, "api-key-2"), encrypt(t, codec, "refresh-2"), fixedNow, fixedNow)
	mock.ExpectQuery(`(?s)FROM\s+linked_connections\s+WHERE\s+user_id\s*=\s*\$1`).
		WithArgs("u-1").
		WillReturnRows(rows)

	got, err := repo.ListByUser(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "access-1", got[0].AccessToken)
	assert.Empty(t, got[0].RefreshToken)
	assert.Equal(t, "api-key-2", got[1].AccessToken)
	assert.Equal(t, "refresh-2", got[1].RefreshToken)
}

func TestGet_TamperedCiphertextFails(t *testing.T) {
	repo, mock, codec := newRepoWithMock(t)

	blob := []byte(encrypt(t, codec, "access-1"))
	blob[len(blob)/2] ^= 0x01
	mock.ExpectQuery(`FROM\s+linked_connections`).
		WithArgs("c-1", "u-1").
		WillReturnRows(sqlmock.NewRows(rowColumns).AddRow("c-1", "u-1", "plaid", "item-1", "", string(blob), nil, fixedNow, fixedNow))

	_, err := repo.Get(context.Background(), "u-1", "c-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, secret.ErrDecryptionFailed)
	assert.NotContains(t, err.Error(), "access-1")
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectQuery(`FROM\s+linked_connections`).
		WithArgs("c-9", "u-1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), "u-1", "c-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateCredentials_ReencryptsAndScopesToOwner(t *testing.T) {
	repo, mock, codec := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)UPDATE\s+linked_connections\s+SET\s+access_token_enc\s*=\s*\$3.*WHERE\s+id\s*=\s*\$1\s+AND\s+user_id\s*=\s*\$2`).
		WithArgs("c-1", "u-1", encryptedOf{codec, "new-access"}, encryptedOf{codec, "new-refresh"}, fixedNow).
		WillReturnRows(sqlmock.NewRows(rowColumns).
			AddRow("c-1", "u-1", "kraken", "acct", "", encrypt(t, codec, "new-access"), encrypt(t, codec, "new-refresh"), fixedNow, fixedNow))

	c, err := repo.UpdateCredentials(context.Background(), "u-1", "c-1", "new-access", "new-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", c.AccessToken)
	assert.Equal(t, "new-refresh", c.RefreshToken)

	mock.ExpectQuery(`UPDATE\s+linked_connections`).WillReturnError(sql.ErrNoRows)
	_, err = repo.UpdateCredentials(context.Background(), "u-2", "c-1", "x", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	repo, mock, _ := newRepoWithMock(t)

	mock.ExpectExec(`DELETE\s+FROM\s+linked_connections\s+WHERE\s+id\s*=\s*\$1\s+AND\s+user_id\s*=\s*\$2`).
		WithArgs("c-1", "u-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), "u-1", "c-1"))

	mock.ExpectExec(`DELETE\s+FROM\s+linked_connections`).
		WithArgs("c-1", "u-2").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Delete(context.Background(), "u-2", "c-1"), ErrNotFound)
}

func TestViewMasksSecrets(t *testing.T) {
	v := Connection{AccessToken: "access-sandbox-1234", RefreshToken: "r"}.View()
	assert.Equal(t, "****1234", v.AccessTokenHint)
	assert.True(t, v.HasRefreshToken)

	assert.Equal(t, "****", Connection{AccessToken: "short"}.View().AccessTokenHint)
}
