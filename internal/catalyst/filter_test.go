package catalyst_test

import (
	"net/url"
	"reflect"
	"testing"

	"catalyst-go/internal/catalyst"
)

func TestDeploymentFilter_Values(t *testing.T) {
	f := catalyst.DeploymentFilter{
		EntityTypes: []catalyst.EntityType{catalyst.EntityTypeScene, catalyst.EntityTypeWearable},
		Pointers:    []string{"0,0"},
		Deployer:    "0xabc",
		From:        100,
		SortBy:      catalyst.SortByLocalTimestamp,
		Order:       catalyst.OrderAscending,
		LastID:      "bafyid",
		Limit:       50,
	}

	got, err := catalyst.ParseDeploymentFilter(f.Values())
	if err != nil {
		t.Fatalf("ParseDeploymentFilter() error = %v", err)
	}
	if !reflect.DeepEqual(got, f) {
		t.Errorf("ParseDeploymentFilter(Values()) = %+v, want %+v", got, f)
	}
}

func TestParseDeploymentFilter(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
		check   func(t *testing.T, f catalyst.DeploymentFilter)
	}{
		{
			name:  "defaults",
			query: "",
			check: func(t *testing.T, f catalyst.DeploymentFilter) {
				if f.SortBy != catalyst.SortByLocalTimestamp || f.Order != "" || f.Limit != 0 {
					t.Errorf("filter = %+v", f)
				}
			},
		},
		{
			name:  "lower-cases ids",
			query: "entityId=BAFYABC&deployedBy=0xABC",
			check: func(t *testing.T, f catalyst.DeploymentFilter) {
				if len(f.EntityIDs) != 1 || f.EntityIDs[0] != "bafyabc" || f.Deployer != "0xabc" {
					t.Errorf("filter = %+v", f)
				}
			},
		},
		{
			name:  "entity timestamp descending",
			query: "sortingField=entity_timestamp&sortingOrder=desc&onlyCurrentlyPointed=true",
			check: func(t *testing.T, f catalyst.DeploymentFilter) {
				if f.SortBy != catalyst.SortByEntityTimestamp || f.Order != catalyst.OrderDescending || !f.OnlyCurrentlyPointed {
					t.Errorf("filter = %+v", f)
				}
			},
		},
		{name: "unknown entity type", query: "entityType=hat", wantErr: true},
		{name: "bad from", query: "from=yesterday", wantErr: true},
		{name: "bad sort field", query: "sortingField=size", wantErr: true},
		{name: "bad order", query: "sortingOrder=sideways", wantErr: true},
		{name: "bad bool", query: "onlyCurrentlyPointed=maybe", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			f, err := catalyst.ParseDeploymentFilter(v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDeploymentFilter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}
