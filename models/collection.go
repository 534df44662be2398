package models

import "fmt"

// Collection describes how an entity type travels. Singleton collections
// are pushed and fetched one record per request, addressed by uid; bulk
// collections go up as one array.
type Collection struct {
	Name      string
	ListName  string
	Singleton bool
}

func (c Collection) listName() string {
	if c.ListName != "" {
		return c.ListName
	}
	return c.Name
}

func (c Collection) ListPath() string {
	return fmt.Sprintf("sync/%s/", c.listName())
}

func (c Collection) PushPath() string {
	return fmt.Sprintf("sync/%s/", c.Name)
}

func (c Collection) ItemPath(uid string) string {
	return fmt.Sprintf("sync/%s/%s/", c.Name, NormalizeUID(uid))
}

var DefaultCollections = []Collection{
	{Name: "recipe", ListName: "recipes", Singleton: true},
	{Name: "bookmarks"},
	{Name: "categories"},
	{Name: "groceries"},
	{Name: "grocerylists"},
	{Name: "groceryaisles"},
	{Name: "meals"},
	{Name: "mealtypes"},
	{Name: "menus"},
	{Name: "menuitems"},
	{Name: "pantry"},
}

func FindCollection(name string) (Collection, bool) {
	for _, c := range DefaultCollections {
		if c.Name == name || c.ListName == name {
			return c, true
		}
	}
	return Collection{}, false
}
