package catalyst

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Values encodes the filter as query parameters for GET /deployments.
func (f DeploymentFilter) Values() url.Values {
	v := url.Values{}
	for _, t := range f.EntityTypes {
		v.Add("entityType", string(t))
	}
	for _, id := range f.EntityIDs {
		v.Add("entityId", id)
	}
	for _, p := range f.Pointers {
		v.Add("pointer", p)
	}
	if f.Deployer != "" {
		v.Set("deployedBy", f.Deployer)
	}
	if f.From != 0 {
		v.Set("from", strconv.FormatInt(f.From, 10))
	}
	if f.To != 0 {
		v.Set("to", strconv.FormatInt(f.To, 10))
	}
	if f.OnlyCurrentlyPointed {
		v.Set("onlyCurrentlyPointed", "true")
	}
	switch f.SortBy {
	case SortByLocalTimestamp:
		v.Set("sortingField", "local_timestamp")
	case SortByEntityTimestamp:
		v.Set("sortingField", "entity_timestamp")
	}
	if f.Order != "" {
		v.Set("sortingOrder", string(f.Order))
	}
	if f.LastID != "" {
		v.Set("lastId", f.LastID)
	}
	if f.Limit != 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	return v
}

// ParseDeploymentFilter decodes the query parameters produced by Values.
func ParseDeploymentFilter(v url.Values) (DeploymentFilter, error) {
	f := DeploymentFilter{
		Pointers: v["pointer"],
		Deployer: strings.ToLower(v.Get("deployedBy")),
		LastID:   strings.ToLower(v.Get("lastId")),
	}
	for _, t := range v["entityType"] {
		et := EntityType(strings.ToLower(t))
		if !et.Valid() {
			return f, fmt.Errorf("unknown entity type %q", t)
		}
		f.EntityTypes = append(f.EntityTypes, et)
	}
	for _, id := range v["entityId"] {
		f.EntityIDs = append(f.EntityIDs, strings.ToLower(id))
	}

	var err error
	if f.From, err = parseInt(v, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseInt(v, "to"); err != nil {
		return f, err
	}
	limit, err := parseInt(v, "limit")
	if err != nil {
		return f, err
	}
	f.Limit = int(limit)

	if s := v.Get("onlyCurrentlyPointed"); s != "" {
		if f.OnlyCurrentlyPointed, err = strconv.ParseBool(s); err != nil {
			return f, fmt.Errorf("invalid onlyCurrentlyPointed %q", s)
		}
	}

	switch strings.ToLower(v.Get("sortingField")) {
	case "", "local_timestamp", "local":
		f.SortBy = SortByLocalTimestamp
	case "entity_timestamp", "entity":
		f.SortBy = SortByEntityTimestamp
	default:
		return f, fmt.Errorf("invalid sortingField %q", v.Get("sortingField"))
	}
	switch strings.ToUpper(v.Get("sortingOrder")) {
	case "":
	case "ASC":
		f.Order = OrderAscending
	case "DESC":
		f.Order = OrderDescending
	default:
		return f, fmt.Errorf("invalid sortingOrder %q", v.Get("sortingOrder"))
	}
	return f, nil
}

func parseInt(v url.Values, key string) (int64, error) {
	s := v.Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}
