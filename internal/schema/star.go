package schema

// StarSchema returns the entity registry for the order-analytics star schema:
// customer, product, and order dimensions plus the order-item fact stream at
// line-item grain.
func StarSchema() *Registry {
	r := NewRegistry()

	r.MustRegister(&Entity{
		Name:  "customers",
		Class: ClassDimension,
		Key:   "id",
		Fields: []Field{
			{Name: "id", Type: FieldUint, Required: true},
			{Name: "email", Type: FieldString, Required: true},
			{Name: "name", Type: FieldString, Required: true},
			{Name: "country", Type: FieldString, Required: true},
			{Name: "city", Type: FieldString, Required: true},
			{Name: "created_at", Type: FieldTime},
		},
	})

	r.MustRegister(&Entity{
		Name:  "products",
		Class: ClassDimension,
		Key:   "id",
		Fields: []Field{
			{Name: "id", Type: FieldUint, Required: true},
			{Name: "name", Type: FieldString, Required: true},
			{Name: "category", Type: FieldString, Required: true},
			{Name: "price", Type: FieldFloat, Required: true},
			{Name: "created_at", Type: FieldTime},
		},
	})

	r.MustRegister(&Entity{
		Name:  "orders",
		Class: ClassDimension,
		Key:   "id",
		Fields: []Field{
			{Name: "id", Type: FieldUint, Required: true},
			{Name: "customer_id", Type: FieldUint, Required: true},
			{Name: "status", Type: FieldString, Required: true},
			{Name: "order_date", Type: FieldTime},
			{Name: "total", Type: FieldFloat},
		},
	})

	r.MustRegister(&Entity{
		Name:  "order_items",
		Class: ClassFact,
		Key:   "id",
		Fields: []Field{
			{Name: "id", Type: FieldUint, Required: true},
			{Name: "order_id", Type: FieldUint, Required: true},
			{Name: "product_id", Type: FieldUint, Required: true},
			{Name: "quantity", Type: FieldUint, Required: true},
			{Name: "price", Type: FieldFloat, Required: true},
		},
	})

	return r
}
