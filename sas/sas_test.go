package sas

import (
	"errors"
	"testing"
	"time"

	"github.com/meltwater/blobsign/test"
)

var (
	testStart  = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	testExpiry = testStart.Add(time.Hour)

	// base64("A" * 44) decoded, the fixture account key.
	testKey = make([]byte, 33)
)

func TestEncodePermissionsCanonicalOrder(t *testing.T) {
	t.Parallel()

	for _, perms := range [][]Permission{
		{PermissionRead, PermissionAdd, PermissionWrite, PermissionDelete},
		{PermissionDelete, PermissionWrite, PermissionAdd, PermissionRead},
		{PermissionWrite, PermissionRead, PermissionDelete, PermissionAdd, PermissionRead},
	} {
		got, err := EncodePermissions(perms)
		test.Ok(t, err)
		test.Equals(t, "rawd", got)
	}
}

func TestEncodePermissionsFullSet(t *testing.T) {
	t.Parallel()

	got, err := EncodePermissions([]Permission{
		PermissionSetPermissions, PermissionOwnership, PermissionExecute, PermissionMove,
		PermissionTag, PermissionList, PermissionDeleteVersion, PermissionDelete,
		PermissionWrite, PermissionCreate, PermissionAdd, PermissionRead,
	})
	test.Ok(t, err)
	test.Equals(t, "racwdxltmeop", got)
}

func TestEncodePermissionsUnknown(t *testing.T) {
	t.Parallel()

	_, err := EncodePermissions([]Permission{PermissionRead, Permission("z")})
	test.Assert(t, errors.Is(err, ErrUnknownPermission), "want ErrUnknownPermission, got %v", err)
}

func TestParsePermissions(t *testing.T) {
	t.Parallel()

	perms, err := ParsePermissions("rwl")
	test.Ok(t, err)
	test.Equals(t, []Permission{PermissionRead, PermissionWrite, PermissionList}, perms)

	_, err = ParsePermissions("rq")
	test.Assert(t, errors.Is(err, ErrUnknownPermission), "want ErrUnknownPermission, got %v", err)
}

func TestFormatTimeTruncatesToSeconds(t *testing.T) {
	t.Parallel()

	test.Equals(t, "2021-01-01T00:00:00Z", FormatTime(time.Date(2021, 1, 1, 0, 0, 0, 999999999, time.UTC)))
}

func TestCanonicalName(t *testing.T) {
	t.Parallel()

	test.Equals(t, "/blob/acct/container/blob.txt", CanonicalName("acct", "container/blob.txt"))
	test.Equals(t, "/blob/acct/container/blob.txt", CanonicalName("acct", "/container/blob.txt"))
}

func TestServiceTokenGoldenVector(t *testing.T) {
	t.Parallel()

	values, err := ServiceToken("dummystorageaccount", testKey, Grant{
		Resource:    ResourceContainer,
		Path:        "my_container",
		Start:       testStart,
		Expiry:      testExpiry,
		Permissions: []Permission{PermissionRead},
	})
	test.Ok(t, err)

	test.Equals(t, "2020-12-06", values.Get("sv"))
	test.Equals(t, "2021-01-01T00:00:00Z", values.Get("st"))
	test.Equals(t, "2021-01-01T01:00:00Z", values.Get("se"))
	test.Equals(t, "c", values.Get("sr"))
	test.Equals(t, "r", values.Get("sp"))
	test.Equals(t, "kXmnwlZsaDCLMhgdzFa84X3pdOrN0a8eW2QdaK/th/k=", values.Get("sig"))
}

func TestServiceTokenPermissionOrderInvariance(t *testing.T) {
	t.Parallel()

	grant := Grant{
		Resource: ResourceContainer,
		Path:     "my_container",
		Start:    testStart,
		Expiry:   testExpiry,
	}

	grant.Permissions = []Permission{PermissionRead, PermissionAdd, PermissionWrite, PermissionDelete}
	first, err := ServiceToken("dummystorageaccount", testKey, grant)
	test.Ok(t, err)

	grant.Permissions = []Permission{PermissionDelete, PermissionWrite, PermissionAdd, PermissionRead}
	second, err := ServiceToken("dummystorageaccount", testKey, grant)
	test.Ok(t, err)

	test.Equals(t, first.Get("sp"), second.Get("sp"))
	test.Equals(t, first.Get("sig"), second.Get("sig"))
}

func TestServiceTokenUnknownResource(t *testing.T) {
	t.Parallel()

	_, err := ServiceToken("dummystorageaccount", testKey, Grant{
		Resource:    Resource("q"),
		Path:        "my_container",
		Start:       testStart,
		Expiry:      testExpiry,
		Permissions: []Permission{PermissionRead},
	})
	test.Assert(t, errors.Is(err, ErrUnknownResource), "want ErrUnknownResource, got %v", err)
}

func TestUserDelegationTokenGoldenVector(t *testing.T) {
	t.Parallel()

	key := DelegationKey{
		SignedOid:     "f81d4fae-7dec-11d0-a765-00a0c91e6bf6",
		SignedTid:     "72f988bf-86f1-41af-91ab-2d7cd011db47",
		SignedStart:   "2021-01-01T00:00:00Z",
		SignedExpiry:  "2021-01-01T02:00:00Z",
		SignedService: "b",
		SignedVersion: "2020-12-06",
		Value:         "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=",
	}

	values, err := UserDelegationToken("dummystorageaccount", key, Grant{
		Resource:    ResourceBlob,
		Path:        "my_container/data/report.csv",
		Start:       testStart,
		Expiry:      testExpiry,
		Permissions: []Permission{PermissionRead},
	})
	test.Ok(t, err)

	test.Equals(t, "2020-12-06", values.Get("sv"))
	test.Equals(t, "b", values.Get("sr"))
	test.Equals(t, "r", values.Get("sp"))
	test.Equals(t, key.SignedOid, values.Get("skoid"))
	test.Equals(t, key.SignedTid, values.Get("sktid"))
	test.Equals(t, key.SignedStart, values.Get("skt"))
	test.Equals(t, key.SignedExpiry, values.Get("ske"))
	test.Equals(t, key.SignedService, values.Get("sks"))
	test.Equals(t, key.SignedVersion, values.Get("skv"))
	test.Equals(t, "pYSY/nNPUngGkW193/xNBTlWAn4t1GL6du5i/4udkNo=", values.Get("sig"))
}

func TestUserDelegationTokenBadKeyValue(t *testing.T) {
	t.Parallel()

	_, err := UserDelegationToken("dummystorageaccount", DelegationKey{Value: "not base64!"}, Grant{
		Resource:    ResourceBlob,
		Path:        "my_container/data/report.csv",
		Start:       testStart,
		Expiry:      testExpiry,
		Permissions: []Permission{PermissionRead},
	})
	test.NotOk(t, err)
}
