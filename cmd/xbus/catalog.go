package main

import (
	"context"
	"fmt"

	"github.com/glimte/xbus/extapi"
)

const catalogProvider = "demo"

type customer struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country"`
}

// customerQuery filters the customer list
type customerQuery struct {
	Country string `json:"country"`
}

var customers = []customer{
	{1, "Ada Lovelace", "GB"},
	{2, "Grace Hopper", "US"},
	{3, "Edsger Dijkstra", "NL"},
	{4, "Barbara Liskov", "US"},
	{5, "Niklaus Wirth", "CH"},
	{6, "Frances Allen", "US"},
	{7, "Tony Hoare", "GB"},
}

// newCatalog registers the demo data sets:
//
//	demo/customers/list    every customer, optionally filtered by {"country": "US"}
//	demo/customers/get     the customer whose id is the request ID
func newCatalog(partSize int, options ...extapi.RegistryOption) (*extapi.Registry, error) {
	registry := extapi.NewRegistry(options...)

	err := extapi.RegisterTyped(registry, catalogProvider, "customers", "list", func(_ context.Context, _ extapi.Call, q customerQuery) (extapi.DataGenerator, error) {
		var matched []customer
		for _, c := range customers {
			if q.Country == "" || c.Country == q.Country {
				matched = append(matched, c)
			}
		}
		return extapi.NewPagedGenerator(matched, partSize), nil
	})
	if err != nil {
		return nil, err
	}

	err = registry.Register(catalogProvider, "customers", "get", func(_ context.Context, call extapi.Call) (extapi.DataGenerator, error) {
		for _, c := range customers {
			if fmt.Sprint(c.ID) == call.ID {
				return extapi.NewPagedGenerator([]customer{c}, 1), nil
			}
		}
		return nil, fmt.Errorf("customer %q does not exist", call.ID)
	})
	if err != nil {
		return nil, err
	}

	return registry, nil
}
